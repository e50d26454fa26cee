package fakemint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut01"
	"github.com/elnosh/nutcore/cashu/nuts/nut02"
	"github.com/elnosh/nutcore/cashu/nuts/nut03"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/cashu/nuts/nut06"
	"github.com/elnosh/nutcore/cashu/nuts/nut07"
	"github.com/elnosh/nutcore/cashu/nuts/nut09"
	"github.com/elnosh/nutcore/cashu/nuts/nut17"
	"github.com/gorilla/mux"
)

// Routes faults can be injected on.
const (
	InfoRoute           = "/v1/info"
	KeysRoute           = "/v1/keys"
	KeysetsRoute        = "/v1/keysets"
	KeysetByIdRoute     = "/v1/keys/{id}"
	MintQuoteRoute      = "/v1/mint/quote/bolt11"
	MintQuoteStateRoute = "/v1/mint/quote/bolt11/{quote}"
	MintRoute           = "/v1/mint/bolt11"
	SwapRoute           = "/v1/swap"
	MeltQuoteRoute      = "/v1/melt/quote/bolt11"
	MeltQuoteStateRoute = "/v1/melt/quote/bolt11/{quote}"
	MeltRoute           = "/v1/melt/bolt11"
	CheckStateRoute     = "/v1/checkstate"
	RestoreRoute        = "/v1/restore"
	WsRoute             = "/v1/ws"
)

func (m *Mint) router() http.Handler {
	r := mux.NewRouter()
	r.Use(m.faultMiddleware)

	r.HandleFunc(InfoRoute, m.handleInfo).Methods(http.MethodGet)
	r.HandleFunc(KeysRoute, m.handleActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc(KeysetsRoute, m.handleKeysetsList).Methods(http.MethodGet)
	r.HandleFunc(KeysetByIdRoute, m.handleKeysetById).Methods(http.MethodGet)
	r.HandleFunc(MintQuoteRoute, m.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc(MintQuoteStateRoute, m.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc(MintRoute, m.handleMint).Methods(http.MethodPost)
	r.HandleFunc(SwapRoute, m.handleSwap).Methods(http.MethodPost)
	r.HandleFunc(MeltQuoteRoute, m.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc(MeltQuoteStateRoute, m.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc(MeltRoute, m.handleMelt).Methods(http.MethodPost)
	r.HandleFunc(CheckStateRoute, m.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc(RestoreRoute, m.handleRestore).Methods(http.MethodPost)
	r.HandleFunc(WsRoute, m.ws.serveWS)

	return r
}

// faultMiddleware applies the faults injected for the matched route.
func (m *Mint) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		route, err := mux.CurrentRoute(req).GetPathTemplate()
		if err != nil {
			next.ServeHTTP(rw, req)
			return
		}

		fault := m.faults.take(route)
		if fault.delay > 0 {
			select {
			case <-time.After(fault.delay):
			case <-req.Context().Done():
				return
			}
		}

		switch fault.kind {
		case faultCashuError:
			writeErr(rw, fault.cashuErr)
			return
		case faultUnavailable:
			http.Error(rw, "service unavailable", http.StatusServiceUnavailable)
			return
		case faultDropResponse:
			// process the request but never answer it
			recorder := httptest.NewRecorder()
			next.ServeHTTP(recorder, req)
			if hijacker, ok := rw.(http.Hijacker); ok {
				if conn, _, err := hijacker.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			http.Error(rw, "connection dropped", http.StatusBadGateway)
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func writeJSON(rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(response)
}

func writeErr(rw http.ResponseWriter, err error) {
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func decodeRequest(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return cashu.Error{Detail: "invalid request body: " + err.Error(), Code: cashu.StandardErrCode}
	}
	return nil
}

func (m *Mint) handleInfo(rw http.ResponseWriter, req *http.Request) {
	bolt11Sat := []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}
	info := nut06.MintInfo{
		Name:    "fakemint",
		Version: "fakemint/0.1.0",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: bolt11Sat},
			Nut05: nut06.NutSetting{Methods: bolt11Sat},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut10: nut06.Supported{Supported: true},
			Nut11: nut06.Supported{Supported: true},
			Nut14: nut06.Supported{Supported: true},
			Nut17: nut17.InfoSetting{
				Supported: []nut17.SupportedMethod{{
					Method:   cashu.BOLT11_METHOD,
					Unit:     cashu.Sat.String(),
					Commands: []string{nut17.Bolt11MintQuote.String(), nut17.Bolt11MeltQuote.String()},
				}},
			},
			Nut20: nut06.Supported{Supported: !m.opts.DisableNUT20},
		},
	}
	writeJSON(rw, info)
}

func (m *Mint) handleActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	keyset := m.activeKeyset
	response := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()}},
	}
	m.mu.Unlock()
	writeJSON(rw, response)
}

func (m *Mint) handleKeysetsList(rw http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	keysets := make([]nut02.Keyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	m.mu.Unlock()
	writeJSON(rw, nut02.GetKeysetsResponse{Keysets: keysets})
}

func (m *Mint) handleKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	m.mu.Lock()
	keyset, ok := m.keysets[id]
	var response nut01.GetKeysResponse
	if ok {
		response.Keysets = []nut01.Keyset{{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()}}
	}
	m.mu.Unlock()

	if !ok {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJSON(rw, response)
}

func (m *Mint) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut04.PostMintQuoteBolt11Request
	if err := decodeRequest(req, &quoteRequest); err != nil {
		writeErr(rw, err)
		return
	}
	if len(quoteRequest.Pubkey) > 0 && m.opts.DisableNUT20 {
		writeErr(rw, cashu.Error{Detail: "NUT-20 not supported", Code: cashu.StandardErrCode})
		return
	}

	response, err := m.requestMintQuote(quoteRequest.Amount, quoteRequest.Unit, quoteRequest.Pubkey)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, response)
}

func (m *Mint) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	response, err := m.mintQuoteState(mux.Vars(req)["quote"])
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, response)
}

func (m *Mint) handleMint(rw http.ResponseWriter, req *http.Request) {
	var mintRequest nut04.PostMintBolt11Request
	if err := decodeRequest(req, &mintRequest); err != nil {
		writeErr(rw, err)
		return
	}

	signatures, err := m.mintTokens(mintRequest)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (m *Mint) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var swapRequest nut03.PostSwapRequest
	if err := decodeRequest(req, &swapRequest); err != nil {
		writeErr(rw, err)
		return
	}

	signatures, err := m.swap(swapRequest.Inputs, swapRequest.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (m *Mint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if err := decodeRequest(req, &quoteRequest); err != nil {
		writeErr(rw, err)
		return
	}

	response, err := m.requestMeltQuote(quoteRequest.Request, quoteRequest.Unit)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, response)
}

func (m *Mint) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	response, err := m.meltQuoteState(mux.Vars(req)["quote"])
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, response)
}

func (m *Mint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := decodeRequest(req, &meltRequest); err != nil {
		writeErr(rw, err)
		return
	}

	response, err := m.melt(meltRequest)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, response)
	m.ws.notify(meltQuoteKind, response.Quote, response)
}

func (m *Mint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := decodeRequest(req, &stateRequest); err != nil {
		writeErr(rw, err)
		return
	}
	for _, Y := range stateRequest.Ys {
		Ybytes, err := hex.DecodeString(Y)
		if err != nil {
			writeErr(rw, cashu.Error{Detail: "invalid Y", Code: cashu.StandardErrCode})
			return
		}
		if _, err := secp256k1.ParsePubKey(Ybytes); err != nil {
			writeErr(rw, cashu.Error{Detail: "invalid Y", Code: cashu.StandardErrCode})
			return
		}
	}

	writeJSON(rw, nut07.PostCheckStateResponse{States: m.checkState(stateRequest.Ys)})
}

func (m *Mint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := decodeRequest(req, &restoreRequest); err != nil {
		writeErr(rw, err)
		return
	}

	outputs, signatures := m.restore(restoreRequest.Outputs)
	writeJSON(rw, nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
}
