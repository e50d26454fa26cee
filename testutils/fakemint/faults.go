package fakemint

import (
	"sync"
	"time"

	"github.com/elnosh/nutcore/cashu"
)

type faultKind int

const (
	noFault faultKind = iota
	faultCashuError
	faultUnavailable
	faultDropResponse
)

type fault struct {
	kind     faultKind
	cashuErr cashu.Error
	delay    time.Duration
}

type faults struct {
	mu          sync.Mutex
	queued      map[string][]fault
	delays      map[string]time.Duration
	calls       map[string]int
	meltPending bool
}

func newFaults() *faults {
	return &faults{
		queued: make(map[string][]fault),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
	}
}

func (f *faults) push(route string, ft fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[route] = append(f.queued[route], ft)
}

// take counts the call and returns the next fault queued for the route.
func (f *faults) take(route string) fault {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[route]++
	next := fault{}
	if queued := f.queued[route]; len(queued) > 0 {
		next = queued[0]
		f.queued[route] = queued[1:]
	}
	next.delay = f.delays[route]
	return next
}

func (f *faults) setMeltPending(pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meltPending = pending
}

func (f *faults) isMeltPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meltPending
}

// FailNext rejects the next request to the route with err
// without processing it.
func (m *Mint) FailNext(route string, err cashu.Error) {
	m.faults.push(route, fault{kind: faultCashuError, cashuErr: err})
}

// UnavailableNext answers the next request to the route
// with a 503 without processing it.
func (m *Mint) UnavailableNext(route string) {
	m.faults.push(route, fault{kind: faultUnavailable})
}

// DropNextResponse processes the next request to the route
// and closes the connection instead of answering.
func (m *Mint) DropNextResponse(route string) {
	m.faults.push(route, fault{kind: faultDropResponse})
}

// SetDelay holds every request to the route for d before handling it.
func (m *Mint) SetDelay(route string, d time.Duration) {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	m.faults.delays[route] = d
}

// Calls returns how many requests the route has received.
func (m *Mint) Calls(route string) int {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	return m.faults.calls[route]
}
