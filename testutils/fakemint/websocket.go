package fakemint

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/elnosh/nutcore/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

const (
	mintQuoteKind = nut17.Bolt11MintQuote
	meltQuoteKind = nut17.Bolt11MeltQuote
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsManager struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	mint    *Mint
}

type subscription struct {
	kind    nut17.SubscriptionKind
	filters []string
}

type wsClient struct {
	conn *websocket.Conn
	// only one concurrent writer is allowed on the connection
	writeMu       sync.Mutex
	mu            sync.Mutex
	subscriptions map[string]subscription
}

func newWsManager(mint *Mint) *wsManager {
	return &wsManager{clients: make(map[*wsClient]bool), mint: mint}
}

func (wm *wsManager) serveWS(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		wm.mint.logger.Errorf("could not upgrade to websocket connection: %v", err)
		return
	}

	client := &wsClient{conn: conn, subscriptions: make(map[string]subscription)}
	wm.mu.Lock()
	wm.clients[client] = true
	wm.mu.Unlock()

	go wm.readMessages(client)
}

func (wm *wsManager) removeClient(client *wsClient) {
	wm.mu.Lock()
	delete(wm.clients, client)
	wm.mu.Unlock()
	client.conn.Close()
}

func (wm *wsManager) closeAll() {
	wm.mu.Lock()
	clients := make([]*wsClient, 0, len(wm.clients))
	for client := range wm.clients {
		clients = append(clients, client)
	}
	wm.mu.Unlock()

	for _, client := range clients {
		wm.removeClient(client)
	}
}

func (wm *wsManager) readMessages(client *wsClient) {
	defer wm.removeClient(client)

	for {
		var req nut17.WsRequest
		if err := client.conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Method {
		case nut17.SUBSCRIBE:
			kind := nut17.StringToKind(req.Params.Kind)
			if kind != mintQuoteKind && kind != meltQuoteKind {
				client.write(nut17.NewWsError(-32602, "subscription kind not supported", req.Id))
				continue
			}
			if len(req.Params.Filters) == 0 {
				client.write(nut17.NewWsError(-32602, "empty filters", req.Id))
				continue
			}

			client.mu.Lock()
			client.subscriptions[req.Params.SubId] = subscription{kind: kind, filters: req.Params.Filters}
			client.mu.Unlock()
			client.write(okResponse(req))

			// send the current state of every quote subscribed to
			for _, filter := range req.Params.Filters {
				if payload, ok := wm.currentState(kind, filter); ok {
					client.notify(req.Params.SubId, payload)
				}
			}

		case nut17.UNSUBSCRIBE:
			client.mu.Lock()
			_, ok := client.subscriptions[req.Params.SubId]
			delete(client.subscriptions, req.Params.SubId)
			client.mu.Unlock()
			if !ok {
				client.write(nut17.NewWsError(-32602, "subscription does not exist", req.Id))
				continue
			}
			client.write(okResponse(req))

		default:
			client.write(nut17.NewWsError(-32601, "method not found", req.Id))
		}
	}
}

func (wm *wsManager) currentState(kind nut17.SubscriptionKind, quoteId string) (any, bool) {
	switch kind {
	case mintQuoteKind:
		response, err := wm.mint.mintQuoteState(quoteId)
		return response, err == nil
	case meltQuoteKind:
		response, err := wm.mint.meltQuoteState(quoteId)
		return response, err == nil
	}
	return nil, false
}

// notify sends payload to every subscription of kind that has quoteId in its filters.
func (wm *wsManager) notify(kind nut17.SubscriptionKind, quoteId string, payload any) {
	wm.mu.Lock()
	clients := make([]*wsClient, 0, len(wm.clients))
	for client := range wm.clients {
		clients = append(clients, client)
	}
	wm.mu.Unlock()

	for _, client := range clients {
		client.mu.Lock()
		subIds := []string{}
		for subId, sub := range client.subscriptions {
			if sub.kind == kind && slices.Contains(sub.filters, quoteId) {
				subIds = append(subIds, subId)
			}
		}
		client.mu.Unlock()

		for _, subId := range subIds {
			client.notify(subId, payload)
		}
	}
}

func okResponse(req nut17.WsRequest) nut17.WsResponse {
	return nut17.WsResponse{
		JsonRPC: nut17.JSONRPC_2,
		Result:  nut17.Result{Status: nut17.OK, SubId: req.Params.SubId},
		Id:      req.Id,
	}
}

func (c *wsClient) notify(subId string, payload any) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.write(nut17.WsNotification{
		JsonRPC: nut17.JSONRPC_2,
		Method:  nut17.SUBSCRIBE,
		Params:  nut17.NotificationParams{SubId: subId, Payload: jsonPayload},
	})
}

func (c *wsClient) write(msg any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteJSON(msg)
}
