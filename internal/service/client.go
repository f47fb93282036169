package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Method is an HTTP verb accepted by Client.
type Method string

const (
	MethodGet   Method = http.MethodGet
	MethodPost  Method = http.MethodPost
	MethodPut   Method = http.MethodPut
	MethodPatch Method = http.MethodPatch
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch:
		return true
	}
	return false
}

// Request describes one call to a backend API.
type Request struct {
	Method Method
	// Path is joined to the client's base URL unless it is absolute
	Path  string
	Query url.Values
	// Body is sent as JSON when non-nil
	Body any
	// Form is sent url-encoded when Body is nil
	Form url.Values
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Name       string
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	// Decorate adds backend specific headers to every request
	Decorate func(http.Header)
	Log      *zerolog.Logger
}

// Client is the authenticated request primitive shared by adapters. Every
// request checks the token first. A 401 answer triggers one forced refresh
// and surfaces ErrAuthRequired; the request is not retried.
type Client struct {
	name     string
	baseURL  string
	tokens   TokenSource
	decorate func(http.Header)
	http     *http.Client
	log      zerolog.Logger
}

// NewClient builds a Client. HTTPClient's transport is reused; its timeout
// bounds each request once the token is in hand, so an interactive
// authorization is governed by the token source alone.
func NewClient(opts ClientOptions) *Client {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	c := &Client{
		name:     opts.Name,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokens:   opts.Tokens,
		decorate: opts.Decorate,
		log:      zerolog.Nop(),
	}
	if opts.Log != nil {
		c.log = *opts.Log
	}
	c.http = &http.Client{
		Transport: &authTransport{client: c, base: rt, timeout: base.Timeout},
	}
	return c
}

// HTTPClient returns an *http.Client that applies the same token and 401
// policy, for SDKs that build their own requests.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Do performs req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	op := string(req.Method) + " " + req.Path
	if !req.Method.valid() {
		return Wrap(nil, c.name, op, "unsupported method", nil)
	}

	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return Wrap(nil, c.name, op, "invalid url", err)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Wrap(nil, c.name, op, "encode body", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return Wrap(nil, c.name, op, "build request", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		var te *tokenError
		switch {
		case errors.As(err, &te):
			return Wrap(nil, c.name, op, "token", te.err)
		case ctx.Err() != nil:
			return Wrap(ErrBackendUnavailable, c.name, op, "", ctx.Err())
		default:
			return Wrap(ErrBackendUnavailable, c.name, op, "", err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Wrap(ErrBackendUnavailable, c.name, op, "read body", err)
	}

	c.log.Debug().
		Str("method", string(req.Method)).
		Str("path", httpReq.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Backend request")

	if err := c.classify(op, resp, respBody); err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return Wrap(nil, c.name, op, "decode response", err)
	}
	return nil
}

func (c *Client) classify(op string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized:
		return Wrap(ErrAuthRequired, c.name, op, errorMessage(body), nil)
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Backend: c.name, Reset: ParseRateLimitReset(resp.Header, time.Now())}
	case status >= 500:
		return Wrap(ErrBackendUnavailable, c.name, op, fmt.Sprintf("status=%d", status), nil)
	default:
		return &StatusError{Backend: c.name, StatusCode: status, Message: errorMessage(body)}
	}
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	var raw string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		raw = path
	} else {
		raw = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ParseRateLimitReset reads the reset instant from Ratelimit-Reset (unix
// seconds) or Retry-After (delta seconds). Zero when neither is usable.
func ParseRateLimitReset(h http.Header, now time.Time) time.Time {
	if v := strings.TrimSpace(h.Get("Ratelimit-Reset")); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			return time.Unix(sec, 0)
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			return now.Add(time.Duration(sec) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		switch e := parsed.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// authTransport injects the bearer token and handles 401 answers.
type authTransport struct {
	client  *Client
	base    http.RoundTripper
	timeout time.Duration
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.client
	ctx := req.Context()

	if c.tokens == nil {
		return nil, &tokenError{err: ErrAuthRequired}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &tokenError{err: err}
	}

	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	out := req.Clone(reqCtx)
	token.SetAuthHeader(out)
	if c.decorate != nil {
		c.decorate(out.Header)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Warn().Msg("Request rejected with 401, refreshing token")
		if err := c.tokens.ForceRefresh(ctx); err != nil {
			c.log.Error().Err(err).Msg("Token refresh after 401 failed")
		}
	}
	return resp, nil
}

// cancelBody releases the request timeout once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
