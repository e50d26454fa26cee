// Package submanager keeps NUT-17 websocket subscriptions to a mint.
package submanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut06"
	"github.com/elnosh/nutcore/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

const subscribeTimeout = 10 * time.Second

var (
	ErrNUT17NotSupported   = errors.New("NUT-17 Not supported")
	ErrSubscriptionClosed  = errors.New("subscription closed")
	ErrSubscriptionUnknown = errors.New("subscription does not exist")
)

type SubscriptionManager struct {
	wsConn  *websocket.Conn
	writeMu sync.Mutex

	mu        sync.RWMutex
	subs      map[string]*Subscription
	pending   map[int]chan error
	idCounter int

	supportedMethods []nut17.SupportedMethod
	closeOnce        sync.Once
}

// NewSubscriptionManager connects to the websocket endpoint of the mint.
// It fails with ErrNUT17NotSupported if the mint info does not advertise it.
func NewSubscriptionManager(ctx context.Context, mint string, mintInfo *nut06.MintInfo) (*SubscriptionManager, error) {
	if len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	mintURL, err := url.Parse(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := scheme + "://" + mintURL.Host + strings.TrimSuffix(mintURL.Path, "/") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	subManager := &SubscriptionManager{
		wsConn:           conn,
		subs:             make(map[string]*Subscription),
		pending:          make(map[int]chan error),
		supportedMethods: mintInfo.Nuts.Nut17.Supported,
	}

	return subManager, nil
}

// Run reads messages from the mint until the connection is closed.
// It should be run on a separate goroutine. After it returns
// the subscription manager should be closed.
func (sm *SubscriptionManager) Run() error {
	defer sm.closeSubscriptions()

	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			return err
		}

		notification, response, wsError, err := nut17.ParseMessage(msg)
		if err != nil {
			continue
		}

		switch {
		case notification != nil:
			sm.mu.RLock()
			sub, ok := sm.subs[notification.Params.SubId]
			sm.mu.RUnlock()
			if ok {
				sub.deliver(*notification)
			}
		case response != nil:
			var result error
			if response.Result.Status != nut17.OK {
				result = fmt.Errorf("mint replied with status '%v'", response.Result.Status)
			}
			sm.resolve(response.Id, result)
		case wsError != nil:
			sm.resolve(wsError.Id, wsError)
		}
	}
}

func (sm *SubscriptionManager) resolve(id int, result error) {
	sm.mu.Lock()
	ch, ok := sm.pending[id]
	delete(sm.pending, id)
	sm.mu.Unlock()
	if ok {
		ch <- result
	}
}

func (sm *SubscriptionManager) closeSubscriptions() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for subId, sub := range sm.subs {
		sub.close()
		delete(sm.subs, subId)
	}
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		sm.writeMu.Lock()
		sm.wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		sm.writeMu.Unlock()
		err = sm.wsConn.Close()
	})
	return err
}

// send writes the request and waits for the mint to acknowledge it
func (sm *SubscriptionManager) send(ctx context.Context, req nut17.WsRequest) error {
	ack := make(chan error, 1)
	sm.mu.Lock()
	req.Id = sm.idCounter
	sm.idCounter++
	sm.pending[req.Id] = ack
	sm.mu.Unlock()

	sm.writeMu.Lock()
	err := sm.wsConn.WriteJSON(req)
	sm.writeMu.Unlock()
	if err != nil {
		sm.resolve(req.Id, nil)
		return fmt.Errorf("could not send request to mint: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		sm.mu.Lock()
		delete(sm.pending, req.Id)
		sm.mu.Unlock()
		return fmt.Errorf("no response from mint: %w", ctx.Err())
	}
}

func (sm *SubscriptionManager) Subscribe(
	ctx context.Context,
	kind nut17.SubscriptionKind,
	filters []string,
) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}

	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	hash := sha256.Sum256([]byte(kind.String() + strings.Join(filters, ",")))
	subId := hex.EncodeToString(hash[:])

	sub := &Subscription{
		subId:               subId,
		notificationChannel: make(chan nut17.WsNotification, 8),
		done:                make(chan struct{}),
	}
	sm.mu.Lock()
	if _, ok := sm.subs[subId]; ok {
		sm.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %v", filters)
	}
	sm.subs[subId] = sub
	sm.mu.Unlock()

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params: nut17.RequestParams{
			Kind:    kind.String(),
			SubId:   subId,
			Filters: filters,
		},
	}
	if err := sm.send(ctx, request); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %v", err)
	}

	return sub, nil
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	if sub, ok := sm.subs[subId]; ok {
		sub.close()
		delete(sm.subs, subId)
	}
	sm.mu.Unlock()
}

func (sm *SubscriptionManager) CloseSubscription(ctx context.Context, subId string) error {
	sm.mu.RLock()
	_, ok := sm.subs[subId]
	sm.mu.RUnlock()
	if !ok {
		return ErrSubscriptionUnknown
	}

	request := nut17.WsRequest{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.UNSUBSCRIBE,
		Params:  nut17.RequestParams{SubId: subId},
	}
	err := sm.send(ctx, request)
	sm.removeSubscription(subId)
	if err != nil {
		return fmt.Errorf("could not unsubscribe from mint: %v", err)
	}
	return nil
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	for _, method := range sm.supportedMethods {
		if method.Method == cashu.BOLT11_METHOD {
			if slices.Contains(method.Commands, kind.String()) {
				return true
			}
		}
	}
	return false
}

type Subscription struct {
	subId               string
	notificationChannel chan nut17.WsNotification
	done                chan struct{}
	closeOnce           sync.Once
}

// deliver drops the notification if the reader is too far behind.
// Every notification carries the full current state, so only the
// latest one matters.
func (s *Subscription) deliver(notification nut17.WsNotification) {
	select {
	case <-s.done:
	case s.notificationChannel <- notification:
	default:
		select {
		case <-s.notificationChannel:
		default:
		}
		select {
		case s.notificationChannel <- notification:
		default:
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Read blocks until a notification arrives, the subscription
// is closed or ctx is done.
func (s *Subscription) Read(ctx context.Context) (nut17.WsNotification, error) {
	select {
	case msg := <-s.notificationChannel:
		return msg, nil
	case <-s.done:
		return nut17.WsNotification{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return nut17.WsNotification{}, ctx.Err()
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}
