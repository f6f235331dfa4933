// Package syncclient is the HTTP transport the sync engine consumes: a
// thin wrapper around net/http speaking the four endpoints the server
// exposes (latest-lts, data GET/POST, events). It owns no sync semantics —
// paging, batching, and verdict handling live in package sync.
package syncclient

import (
	"bufio"
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
)

// Sentinel errors for the HTTP status classes callers need to branch on.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// TokenSource returns a bearer token, invoked once per HTTP request since
// tokens are assumed short-lived.
type TokenSource func(ctx context.Context) (string, error)

// Client is an HTTP client for the sync server's four endpoints.
type Client struct {
	BaseURL      string
	AppID        string
	GetAuthToken TokenSource
	HTTP         *http.Client

	// StreamHTTP serves the long-lived GET /events connection. It carries no
	// client-level Timeout: http.Client.Timeout bounds the whole exchange
	// including body reads, which would force-close the event stream on a
	// fixed cadence regardless of server activity. The caller's context
	// (cancelled on Shutdown) is what actually bounds its lifetime.
	StreamHTTP *http.Client
}

// New creates a sync client against baseURL for the given application,
// authenticating every request with a token obtained from getAuthToken.
func New(baseURL, appID string, getAuthToken TokenSource) *Client {
	return &Client{
		BaseURL:      baseURL,
		AppID:        appID,
		GetAuthToken: getAuthToken,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		StreamHTTP:   &http.Client{},
	}
}

// LatestLTSResponse is the body of GET /latest-lts.
type LatestLTSResponse struct {
	LTS int64 `json:"lts"`
}

// LatestLTS fetches the server's current high-water mark for entity, used
// by the registrar to baseline a newly tracked entity. ErrForbidden and
// ErrNotFound are returned verbatim (the registrar treats both as "entity
// unknown to server, baseline 0"); callers must not retry on those.
func (c *Client) LatestLTS(ctx context.Context, entity string) (int64, error) {
	params := url.Values{}
	params.Set("name", entity)

	var resp LatestLTSResponse
	if err := c.do(ctx, "GET", "/latest-lts", params, nil, &resp); err != nil {
		return 0, err
	}
	return resp.LTS, nil
}

// DataPageResponse is the body of GET /data.
type DataPageResponse struct {
	Data []map[string]any `json:"data"`
}

// FetchPage requests up to pageSize rows of entity with lts strictly
// greater than afterLTS.
func (c *Client) FetchPage(ctx context.Context, entity string, afterLTS int64, pageSize int) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("name", entity)
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("lts", strconv.FormatInt(afterLTS, 10))

	var resp DataPageResponse
	if err := c.do(ctx, "GET", "/data", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// PushVerdict is the server's adjudication of one pushed row.
type PushVerdict struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	LTS    *int64 `json:"lts,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// pushRequestBody is the wire shape of POST /data: data is a JSON-encoded
// string containing the row array, not an inline array. This double
// encoding is a server-contract requirement, reproduced exactly.
type pushRequestBody struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type pushResponseBody struct {
	Results []PushVerdict `json:"results"`
}

// PushBatch uploads rows (each already projected through the entity's
// syncable column list) for entity and returns the server's per-row
// verdicts, addressed by id rather than position.
func (c *Client) PushBatch(ctx context.Context, entity string, rows []map[string]any) ([]PushVerdict, error) {
	encodedRows, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode push rows: %w", err)
	}

	body := pushRequestBody{Name: entity, Data: string(encodedRows)}

	var resp pushResponseBody
	if err := c.do(ctx, "POST", "/data", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// EventStream is the long-lived GET /events connection, yielding one line
// at a time as the server writes them.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next blocks until the next line arrives, the stream ends, or ctx is
// canceled. ok is false when the stream has ended (EOF or error); callers
// should inspect Err() to distinguish a clean close from a transport
// failure.
func (s *EventStream) Next() (line string, ok bool) {
	if !s.scanner.Scan() {
		return "", false
	}
	return s.scanner.Text(), true
}

// Err returns the error that ended the stream, if any.
func (s *EventStream) Err() error {
	return s.scanner.Err()
}

// Close terminates the underlying HTTP response body, unblocking any
// in-flight Next call.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// StreamEvents opens the server-push change channel. The caller owns the
// returned EventStream and must Close it.
func (c *Client) StreamEvents(ctx context.Context) (*EventStream, error) {
	params := url.Values{}
	resp, err := c.doStream(ctx, "GET", "/events", params)
	if err != nil {
		return nil, err
	}
	return &EventStream{body: resp, scanner: bufio.NewScanner(resp)}, nil
}

// apiError is the standard error body the server returns alongside a
// non-2xx status.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) authHeader(ctx context.Context, req *http.Request) error {
	if c.GetAuthToken == nil {
		return nil
	}
	token, err := c.GetAuthToken(ctx)
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) buildURL(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("app_id", c.AppID)
	return c.BaseURL + path + "?" + params.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, params), bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authHeader(ctx, req); err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return classifyError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// doStream issues a GET and returns the live response body for the caller
// to scan line by line; unlike do, it does not buffer the whole body or
// close it.
func (c *Client) doStream(ctx context.Context, method, path string, params url.Values) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, params), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if err := c.authHeader(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.StreamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyError(resp.StatusCode, respBody)
	}

	return resp.Body, nil
}

func classifyError(status int, respBody []byte) error {
	var apiErr apiError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
		switch status {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		default:
			return &apiErr
		}
	}
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("HTTP %d: %s", status, string(respBody))
	}
}
