// Package pkiclient is a small REST client for the KRA and CA agent API.
package pkiclient

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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer decoded from the server's error body.
type APIError struct {
	StatusCode  int                    `json:"-"`
	Code        string                 `json:"error"`
	Description string                 `json:"error_description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pki: %d %s: %s", e.StatusCode, e.Code, e.Description)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Request mirrors the server's request rendering.
type Request struct {
	RequestID     string    `json:"request_id"`
	RequestType   string    `json:"request_type"`
	Status        string    `json:"request_status"`
	Owner         string    `json:"owner,omitempty"`
	Realm         string    `json:"realm,omitempty"`
	Result        *int      `json:"result,omitempty"`
	ErrorReason   string    `json:"error_reason,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	Certificates  []string  `json:"certificates,omitempty"`
	ApproveAgents []string  `json:"approve_agents,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// KeyGen describes a symmetric or asymmetric generation request.
type KeyGen struct {
	ClientKeyID       string   `json:"client_key_id"`
	Algorithm         string   `json:"algorithm"`
	Size              int      `json:"size"`
	Usages            []string `json:"usages,omitempty"`
	WrappedSessionKey []byte   `json:"wrapped_session_key,omitempty"`
	Realm             string   `json:"realm,omitempty"`
}

// Archival uploads a client key wrapped under the transport key.
type Archival struct {
	ClientKeyID         string `json:"client_key_id"`
	DataType            string `json:"data_type"`
	Algorithm           string `json:"algorithm,omitempty"`
	Size                int    `json:"size,omitempty"`
	Realm               string `json:"realm,omitempty"`
	WrappedSessionKey   []byte `json:"wrapped_session_key,omitempty"`
	WrappedSecurityData []byte `json:"wrapped_security_data,omitempty"`
	AlgorithmOID        string `json:"algorithm_oid,omitempty"`
	AlgorithmParams     []byte `json:"algorithm_params,omitempty"`
}

// Recovery asks for an archived key back.
type Recovery struct {
	KeyID             string `json:"key_id"`
	WrappedSessionKey []byte `json:"wrapped_session_key,omitempty"`
	Nonce             []byte `json:"nonce,omitempty"`
}

// Recovered is the one-shot result of a completed recovery.
type Recovered struct {
	Request *Request `json:"request"`
	Data    []byte   `json:"wrapped_data,omitempty"`
	IV      []byte   `json:"iv,omitempty"`
}

// Filter narrows ListRequests. Zero fields are not sent.
type Filter struct {
	Type        string
	Status      string
	Realm       string
	ClientKeyID string
	Size        int
}

// Client talks to one engine. It is safe for concurrent use.
type Client struct {
	base  *url.URL
	token func(context.Context) (string, error)
	http  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a fixed bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = func(context.Context) (string, error) { return token, nil }
	}
}

// WithTokenSource fetches a bearer token per call, for short-lived agent tokens.
func WithTokenSource(src func(context.Context) (string, error)) Option {
	return func(c *Client) { c.token = src }
}

// New creates a client for baseURL, e.g. https://pki.example.com.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("pkiclient: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("pkiclient: base url %q needs scheme and host", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GenerateSymKey(ctx context.Context, in *KeyGen) (*Request, error) {
	return call[Request](ctx, c, http.MethodPost, "/kra/requests/symkey", nil, in)
}

func (c *Client) GenerateAsymKey(ctx context.Context, in *KeyGen) (*Request, error) {
	return call[Request](ctx, c, http.MethodPost, "/kra/requests/asymkey", nil, in)
}

func (c *Client) Archive(ctx context.Context, in *Archival) (*Request, error) {
	return call[Request](ctx, c, http.MethodPost, "/kra/requests/archival", nil, in)
}

func (c *Client) Recover(ctx context.Context, in *Recovery) (*Request, error) {
	return call[Request](ctx, c, http.MethodPost, "/kra/requests/recovery", nil, in)
}

// Recovered collects the secret of a completed recovery. The server hands it
// out once.
func (c *Client) Recovered(ctx context.Context, id string) (*Recovered, error) {
	return call[Recovered](ctx, c, http.MethodGet, "/kra/recovered/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetRequest(ctx context.Context, id string) (*Request, error) {
	return call[Request](ctx, c, http.MethodGet, "/kra/requests/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListRequests(ctx context.Context, f Filter) ([]*Request, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("type", f.Type)
	set("status", f.Status)
	set("realm", f.Realm)
	set("client_key_id", f.ClientKeyID)
	if f.Size > 0 {
		q.Set("size", strconv.Itoa(f.Size))
	}
	var out struct {
		Requests []*Request `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/kra/requests", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Approve, Reject and Cancel act on a pending request. Prefix selects the
// subsystem: "kra" or "ca".
func (c *Client) Approve(ctx context.Context, prefix, id string) (*Request, error) {
	return c.action(ctx, prefix, id, "approve", "")
}

func (c *Client) Reject(ctx context.Context, prefix, id, reason string) (*Request, error) {
	return c.action(ctx, prefix, id, "reject", reason)
}

func (c *Client) Cancel(ctx context.Context, prefix, id, reason string) (*Request, error) {
	return c.action(ctx, prefix, id, "cancel", reason)
}

func (c *Client) action(ctx context.Context, prefix, id, verb, reason string) (*Request, error) {
	if prefix != "kra" && prefix != "ca" {
		return nil, fmt.Errorf("pkiclient: unknown subsystem %q", prefix)
	}
	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	path := "/" + prefix + "/requests/" + url.PathEscape(id) + "/" + verb
	return call[Request](ctx, c, http.MethodPost, path, nil, body)
}

func call[T any](ctx context.Context, c *Client, method, path string, q url.Values, in interface{}) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, q, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out interface{}) error {
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("pkiclient: encode %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("pkiclient: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
