// Package client implements the calls the wallet makes to a mint over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/nutcore/cashu"
	"github.com/elnosh/nutcore/cashu/nuts/nut01"
	"github.com/elnosh/nutcore/cashu/nuts/nut02"
	"github.com/elnosh/nutcore/cashu/nuts/nut03"
	"github.com/elnosh/nutcore/cashu/nuts/nut04"
	"github.com/elnosh/nutcore/cashu/nuts/nut05"
	"github.com/elnosh/nutcore/cashu/nuts/nut06"
	"github.com/elnosh/nutcore/cashu/nuts/nut07"
	"github.com/elnosh/nutcore/cashu/nuts/nut09"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrMintUnavailable = errors.New("mint unavailable")
	ErrNetworkTimeout  = errors.New("network timeout")
	// ErrRequestNotSent is returned along with ErrMintUnavailable
	// when the request could not have reached the mint.
	ErrRequestNotSent = errors.New("request not sent")
)

// MintClient is the mint API used by the wallet. Errors returned by the
// mint are cashu.Error values. Any other error from a POST means the
// outcome at the mint is unknown unless it wraps ErrRequestNotSent.
type MintClient interface {
	URL() string
	GetMintInfo(ctx context.Context) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error)
	GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostSwap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

type Options struct {
	// Timeout for each request. DefaultTimeout if zero.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to a single mint. It is safe for concurrent use.
type Client struct {
	mintURL string
	timeout time.Duration
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

func New(mintURL string, opts Options) *Client {
	client := &Client{
		mintURL: strings.TrimSuffix(mintURL, "/"),
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
	}
	if client.timeout == 0 {
		client.timeout = DefaultTimeout
	}
	if client.http == nil {
		client.http = &http.Client{}
	}
	if client.logger == nil {
		client.logger = logrus.New()
	}
	client.cb = client.newCircuitBreaker()
	return client
}

func (c *Client) newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    c.mintURL,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log := c.logger.WithField("mint", name)
			if to == gobreaker.StateOpen {
				log.Warn("mint seems down, stop allowing requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				log.Info("checking mint status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				log.Info("mint seems ok, restart allowing requests")
			}
		},
	})
}

func (c *Client) URL() string {
	return c.mintURL
}

func (c *Client) GetMintInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys", nil, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keysets", nil, &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+id, nil, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *Client) PostMintQuoteBolt11(
	ctx context.Context,
	mintQuoteRequest nut04.PostMintQuoteBolt11Request,
) (*nut04.PostMintQuoteBolt11Response, error) {
	var reqMintResponse nut04.PostMintQuoteBolt11Response
	if err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", mintQuoteRequest, &reqMintResponse); err != nil {
		return nil, err
	}
	return &reqMintResponse, nil
}

func (c *Client) GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+quoteId, nil, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *Client) PostMintBolt11(
	ctx context.Context,
	mintRequest nut04.PostMintBolt11Request,
) (*nut04.PostMintBolt11Response, error) {
	var mintResponse nut04.PostMintBolt11Response
	if err := c.do(ctx, http.MethodPost, "/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func (c *Client) PostSwap(ctx context.Context, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := c.do(ctx, http.MethodPost, "/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *Client) PostMeltQuoteBolt11(
	ctx context.Context,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.do(ctx, http.MethodGet, "/v1/melt/quote/bolt11/"+quoteId, nil, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *Client) PostMeltBolt11(
	ctx context.Context,
	meltRequest nut05.PostMeltBolt11Request,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.do(ctx, http.MethodPost, "/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *Client) PostCheckProofState(
	ctx context.Context,
	stateRequest nut07.PostCheckStateRequest,
) (*nut07.PostCheckStateResponse, error) {
	var stateResponse nut07.PostCheckStateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *Client) PostRestore(
	ctx context.Context,
	restoreRequest nut09.PostRestoreRequest,
) (*nut09.PostRestoreResponse, error) {
	var restoreResponse nut09.PostRestoreResponse
	if err := c.do(ctx, http.MethodPost, "/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

// mint errors are not failures for the circuit breaker
type mintResult struct {
	body    []byte
	mintErr error
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, result any) error {
	var body io.Reader
	if reqBody != nil {
		requestBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("json.Marshal: %v", err)
		}
		body = bytes.NewReader(requestBody)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.mintURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrMintUnavailable, ErrRequestNotSent, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(err)
		}
		defer resp.Body.Close()
		return parse(resp)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w: %v", ErrMintUnavailable, ErrRequestNotSent, err)
		}
		return err
	}

	mintRes := res.(mintResult)
	if mintRes.mintErr != nil {
		return mintRes.mintErr
	}
	if err := json.Unmarshal(mintRes.body, result); err != nil {
		return fmt.Errorf("%w: error reading response from mint: %v", ErrMintUnavailable, err)
	}
	return nil
}

func transportError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w: %v", ErrMintUnavailable, ErrRequestNotSent, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrMintUnavailable, err)
}

func parse(response *http.Response) (mintResult, error) {
	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return mintResult{}, transportError(err)
	}

	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.Unmarshal(respBody, &errResponse); err != nil {
			return mintResult{}, fmt.Errorf("%w: could not decode error response from mint: %v", ErrMintUnavailable, err)
		}
		return mintResult{mintErr: errResponse}, nil
	}

	if response.StatusCode != http.StatusOK {
		return mintResult{}, fmt.Errorf("%w: status %v: %s", ErrMintUnavailable, response.StatusCode, respBody)
	}

	return mintResult{body: respBody}, nil
}
