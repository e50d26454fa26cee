// Package nut17 contains structs as defined in [NUT-17]
//
// [NUT-17]: https://github.com/cashubtc/nuts/blob/main/17.md
package nut17

import (
	"encoding/json"
	"errors"
)

type SubscriptionKind int

const (
	Bolt11MintQuote SubscriptionKind = iota
	Bolt11MeltQuote
	ProofState
	Unknown
)

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"
)

func (kind SubscriptionKind) String() string {
	switch kind {
	case Bolt11MintQuote:
		return "bolt11_mint_quote"
	case Bolt11MeltQuote:
		return "bolt11_melt_quote"
	case ProofState:
		return "proof_state"
	default:
		return "unknown"
	}
}

func StringToKind(kind string) SubscriptionKind {
	switch kind {
	case "bolt11_mint_quote":
		return Bolt11MintQuote
	case "bolt11_melt_quote":
		return Bolt11MeltQuote
	case "proof_state":
		return ProofState
	}
	return Unknown
}

type WsRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    string   `json:"kind,omitempty"`
	SubId   string   `json:"subId"`
	Filters []string `json:"filters,omitempty"`
}

type WsResponse struct {
	JsonRPC string `json:"jsonrpc"`
	Result  Result `json:"result"`
	Id      int    `json:"id"`
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

type WsNotification struct {
	JsonRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

type NotificationParams struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

type WsError struct {
	JsonRPC     string        `json:"jsonrpc"`
	ErrResponse ErrorResponse `json:"error"`
	Id          int           `json:"id"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewWsError(code int, message string, id int) WsError {
	return WsError{
		JsonRPC:     JSONRPC_2,
		ErrResponse: ErrorResponse{Code: code, Message: message},
		Id:          id,
	}
}

func (e WsError) Error() string {
	return e.ErrResponse.Message
}

// ParseMessage decodes a message sent by the mint over the websocket.
// Exactly one of the returned values is non-nil.
func ParseMessage(msg []byte) (*WsNotification, *WsResponse, *WsError, error) {
	var envelope struct {
		Method string              `json:"method"`
		Params *NotificationParams `json:"params"`
		Result *Result             `json:"result"`
		Error  *ErrorResponse      `json:"error"`
		Id     int                 `json:"id"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, nil, nil, err
	}

	switch {
	case envelope.Params != nil:
		return &WsNotification{JsonRPC: JSONRPC_2, Method: envelope.Method, Params: *envelope.Params}, nil, nil, nil
	case envelope.Result != nil:
		return nil, &WsResponse{JsonRPC: JSONRPC_2, Result: *envelope.Result, Id: envelope.Id}, nil, nil
	case envelope.Error != nil:
		return nil, nil, &WsError{JsonRPC: JSONRPC_2, ErrResponse: *envelope.Error, Id: envelope.Id}, nil
	}
	return nil, nil, nil, errors.New("unknown websocket message")
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
