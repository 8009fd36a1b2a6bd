// Package datalayer talks to the remote system of record. Every call is a
// JSON message POSTed to a single endpoint; callers name the status codes
// they accept.
package datalayer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const DefaultTimeout = 10 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// ErrUpstream matches every *UpstreamError.
var ErrUpstream = errors.New("datalayer: unexpected response")

// UpstreamError is returned when the response status is not expected.
type UpstreamError struct {
	Status      int
	MessageType string
	Body        string
}

func (e *UpstreamError) Error() string {
	return "datalayer: " + e.MessageType + ": " + http.StatusText(e.Status) + ": " + e.Body
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Message is one request to the data layer.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Response is the raw answer to a Message.
type Response struct {
	Status int
	Body   json.RawMessage
}

type Client struct {
	http        *http.Client
	timeout     time.Duration
	baseURL     *url.URL
	logger      zerolog.Logger
	credentials *clientcredentials.Config
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClientCredentials authenticates every request with an OAuth2
// client-credentials token.
func WithClientCredentials(clientID, secret, tokenURL string) Option {
	return func(c *Client) {
		c.credentials = &clientcredentials.Config{ClientID: clientID, ClientSecret: secret, TokenURL: tokenURL}
	}
}

func New(host string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, errors.New("datalayer: host required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, errors.Wrap(err, "datalayer: parse host")
	}
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		baseURL: u,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}

	if c.http == nil {
		c.http = &http.Client{}
	}
	base := *c.http
	base.Timeout = c.timeout
	c.http = &base
	if c.credentials != nil {
		c.http = c.credentials.Client(context.WithValue(context.Background(), oauth2.HTTPClient, &base))
		c.http.Timeout = c.timeout
	}
	return c, nil
}

func (c *Client) newReq(ctx context.Context, msg Message) (*http.Request, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "datalayer: encode %s", msg.Type)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// HandleMessage sends msg and fails with an *UpstreamError unless the
// response status is one of expected. No expected codes means 200 only.
func (c *Client) HandleMessage(ctx context.Context, msg Message, expected ...int) (*Response, error) {
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	req, err := c.newReq(ctx, msg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "datalayer: %s", msg.Type)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "datalayer: read %s", msg.Type)
	}
	c.logger.Debug().
		Str("type", msg.Type).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("data layer message")

	if !slices.Contains(expected, resp.StatusCode) {
		return nil, &UpstreamError{Status: resp.StatusCode, MessageType: msg.Type, Body: string(body)}
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// HandleMessageJSON is HandleMessage returning the JSON body. A 404 or an
// empty body reads as null.
func (c *Client) HandleMessageJSON(ctx context.Context, msg Message, expected ...int) (json.RawMessage, error) {
	resp, err := c.HandleMessage(ctx, msg, expected...)
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSpace(resp.Body)
	if resp.Status == http.StatusNotFound || len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.Newf("datalayer: %s: response is not JSON", msg.Type)
	}
	return body, nil
}

// Ping checks that the host answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "datalayer: ping")
	}
	_ = resp.Body.Close()
	return nil
}
