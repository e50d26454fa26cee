package submanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut06"
	"github.com/elnosh/nutcore/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func mintInfo() *nut06.MintInfo {
	return &nut06.MintInfo{
		Nuts: nut06.Nuts{
			Nut17: nut17.InfoSetting{
				Supported: []nut17.SupportedMethod{{
					Method:   cashu.BOLT11_METHOD,
					Unit:     cashu.Sat.String(),
					Commands: []string{nut17.Bolt11MintQuote.String(), nut17.ProofState.String()},
				}},
			},
		},
	}
}

// echoServer acks every request and, for subscriptions, sends back one
// notification with the first filter as payload.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req nut17.WsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if len(req.Params.Filters) > 0 && req.Params.Filters[0] == "reject" {
				conn.WriteJSON(nut17.NewWsError(-32600, "invalid filter", req.Id))
				continue
			}
			conn.WriteJSON(nut17.WsResponse{
				JsonRPC: nut17.JSONRPC_2,
				Result:  nut17.Result{Status: nut17.OK, SubId: req.Params.SubId},
				Id:      req.Id,
			})
			if req.Method == nut17.SUBSCRIBE {
				payload, _ := json.Marshal(map[string]string{"quote": req.Params.Filters[0]})
				conn.WriteJSON(nut17.WsNotification{
					JsonRPC: nut17.JSONRPC_2,
					Method:  nut17.SUBSCRIBE,
					Params:  nut17.NotificationParams{SubId: req.Params.SubId, Payload: payload},
				})
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestSubscribe(t *testing.T) {
	server := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sm, err := NewSubscriptionManager(ctx, server.URL, mintInfo())
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- sm.Run() }()

	sub, err := sm.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"quote1"})
	require.NoError(t, err)

	notification, err := sub.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, sub.SubId(), notification.Params.SubId)
	require.JSONEq(t, `{"quote":"quote1"}`, string(notification.Params.Payload))

	_, err = sm.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"quote1"})
	require.Error(t, err)

	require.NoError(t, sm.CloseSubscription(ctx, sub.SubId()))
	_, err = sub.Read(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.ErrorIs(t, sm.CloseSubscription(ctx, sub.SubId()), ErrSubscriptionUnknown)

	require.NoError(t, sm.Close())
	select {
	case <-runErr:
	case <-ctx.Done():
		t.Fatal("Run did not return after Close")
	}
}

func TestSubscribeErrors(t *testing.T) {
	server := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewSubscriptionManager(ctx, server.URL, &nut06.MintInfo{})
	require.ErrorIs(t, err, ErrNUT17NotSupported)

	sm, err := NewSubscriptionManager(ctx, server.URL, mintInfo())
	require.NoError(t, err)
	defer sm.Close()
	go sm.Run()

	_, err = sm.Subscribe(ctx, nut17.Bolt11MeltQuote, []string{"quote"})
	require.Error(t, err)

	_, err = sm.Subscribe(ctx, nut17.ProofState, nil)
	require.Error(t, err)

	_, err = sm.Subscribe(ctx, nut17.ProofState, []string{"reject"})
	require.ErrorContains(t, err, "invalid filter")

	// a rejected subscription can be attempted again
	_, err = sm.Subscribe(ctx, nut17.ProofState, []string{"reject"})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "already subscribed")
}

func TestReadContext(t *testing.T) {
	sub := &Subscription{
		notificationChannel: make(chan nut17.WsNotification, 1),
		done:                make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// only the latest notification is kept when the reader falls behind
	sub.deliver(nut17.WsNotification{Method: "first"})
	sub.deliver(nut17.WsNotification{Method: "second"})
	notification, err := sub.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", notification.Method)
}
