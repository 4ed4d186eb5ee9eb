package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Client talks to the payment network over HTTP. The session is opened on the
// first call and shared by every caller after that; a rejected token is
// dropped and reopened once. Concurrent callers that find no session share
// one login.
type Client struct {
	http   *resty.Client
	apiKey string
	log    *zap.Logger
	logins singleflight.Group

	mu    sync.Mutex
	token string
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		h.SetTimeout(cfg.Timeout)
	}
	return &Client{http: h, apiKey: cfg.APIKey, log: log}
}

type sessionResponse struct {
	Token string `json:"token"`
}

type createRequestBody struct {
	AmountSats int64  `json:"amount_sats"`
	Memo       string `json:"memo"`
}

type requestResponse struct {
	ID            string `json:"id"`
	Encoded       string `json:"encoded"`
	Status        string `json:"status"`
	SettlementRef string `json:"settlement_ref"`
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) session(ctx context.Context) (string, error) {
	if token := c.currentToken(); token != "" {
		return token, nil
	}
	ch := c.logins.DoChan("session", func() (any, error) {
		if token := c.currentToken(); token != "" {
			return token, nil
		}
		return c.login(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: open session: %w", ErrUnavailable, ctx.Err())
	}
}

func (c *Client) login(ctx context.Context) (string, error) {
	var out sessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"api_key": c.apiKey}).
		SetResult(&out).
		Post("/v1/sessions")
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrUnavailable, err)
	}
	if resp.IsError() || out.Token == "" {
		return "", fmt.Errorf("%w: open session: status %d", ErrUnavailable, resp.StatusCode())
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	c.log.Info("gateway_session_opened")
	return out.Token, nil
}

func (c *Client) dropSession(token string) {
	c.mu.Lock()
	if c.token == token {
		c.token = ""
	}
	c.mu.Unlock()
}

// do runs call with a session token, reopening the session once on 401.
func (c *Client) do(ctx context.Context, call func(token string) (*resty.Response, error)) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.session(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := call(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.dropSession(token)
			continue
		}
		return resp, nil
	}
}

func (c *Client) CreatePaymentRequest(ctx context.Context, amountSats int64, memo string) (Request, error) {
	var out requestResponse
	resp, err := c.do(ctx, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(createRequestBody{AmountSats: amountSats, Memo: memo}).
			SetResult(&out).
			Post("/v1/payment-requests")
	})
	if err != nil {
		return Request{}, err
	}
	if resp.IsError() {
		return Request{}, fmt.Errorf("%w: create payment request: status %d", ErrUnavailable, resp.StatusCode())
	}
	if out.ID == "" || out.Encoded == "" {
		return Request{}, fmt.Errorf("%w: create payment request: empty response", ErrUnavailable)
	}
	return Request{Encoded: out.Encoded, Ref: out.ID}, nil
}

func (c *Client) RequestStatus(ctx context.Context, ref string) (Status, error) {
	var out requestResponse
	resp, err := c.do(ctx, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetPathParam("id", ref).
			SetResult(&out).
			Get("/v1/payment-requests/{id}")
	})
	if err != nil {
		return Status{}, err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRequest, ref)
	case resp.IsError():
		return Status{}, fmt.Errorf("%w: request status: status %d", ErrUnavailable, resp.StatusCode())
	}
	return Status{State: Normalise(out.Status), SettlementRef: out.SettlementRef, Raw: out.Status}, nil
}
