package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a JSON array response is passed back to
// callers. Oversized arrays are cut at an element boundary and a marker
// object is appended.
const maxResponseBytes = 900 * 1024

const errorBodyLimit = 500

// APIError reports a non-success upstream status with a truncated body
// excerpt. Credentials and tokens never appear in the message.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Client issues authenticated requests to the back-office API for one
// identity. Auth failures trigger exactly one re-login and retry.
type Client struct {
	pair CredentialPair
	auth *AuthManager
	http *http.Client
}

// NewClient wires a request client to its auth manager.
func NewClient(pair CredentialPair, auth *AuthManager, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{pair: pair, auth: auth, http: httpClient}
}

// Identity returns the bridge identity this client acts for.
func (c *Client) Identity() string { return c.pair.Identity }

// Invalidate drops the cached upstream token.
func (c *Client) Invalidate() { c.auth.Invalidate() }

// Get issues a GET request against the API path.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do performs an authenticated request. On a 401 or 403 the cached token is
// invalidated and the request retried once with a fresh login; a second
// rejection surfaces as ErrUpstreamAuth.
func (c *Client) Do(ctx context.Context, method, path string, query map[string]string, body any) (json.RawMessage, error) {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		drain(resp)
		c.auth.Invalidate()
		resp, err = c.do(ctx, method, path, query, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			drain(resp)
			return nil, ErrUpstreamAuth
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := string(data)
		if len(excerpt) > errorBodyLimit {
			excerpt = excerpt[:errorBodyLimit]
		}
		return nil, &APIError{Status: resp.StatusCode, Body: excerpt}
	}
	return truncateArray(data), nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any) (*http.Response, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.pair.UpstreamAPIURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// truncateArray cuts an oversized JSON array at an element boundary and
// appends a marker object. Non-array payloads pass through untouched.
func truncateArray(data []byte) json.RawMessage {
	if len(data) <= maxResponseBytes {
		return data
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return data
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return data
	}

	total := len(elems)
	out := bytes.NewBuffer(make([]byte, 0, maxResponseBytes))
	out.WriteByte('[')
	kept := 0
	for _, e := range elems {
		// Leave room for the closing marker object.
		if out.Len()+len(e)+256 > maxResponseBytes {
			break
		}
		if kept > 0 {
			out.WriteByte(',')
		}
		out.Write(e)
		kept++
	}
	if kept == total {
		out.WriteByte(']')
		return out.Bytes()
	}
	marker, _ := json.Marshal(map[string]any{
		"_truncated":   true,
		"_shown_items": kept,
		"_total_items": total,
		"_message":     "response truncated, use pagination parameters to fetch the rest",
	})
	if kept > 0 {
		out.WriteByte(',')
	}
	out.Write(marker)
	out.WriteByte(']')
	return out.Bytes()
}
