package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UserAgent identifies the pipeline to both remote systems.
const UserAgent = "spark/1.0"

// Request describes one HTTP exchange. Body, when non-nil, is marshalled
// to JSON once and replayed unchanged on every retry.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   interface{}
}

// Response is the fully-read outcome of an exchange that produced an HTTP
// status, retryable or not.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do executes the request under the given retry policy. Transport faults
// and retryable statuses are retried with backoff until attempts are
// exhausted; the last response (whatever its status) is returned to the
// caller for interpretation. Only transport faults surface as errors, as a
// ConnectionError.
func Do(ctx context.Context, hc *http.Client, policy Backoff, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("api: marshal %s %s: %w", req.Method, req.URL, err)
		}
	}

	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if u, err := url.Parse(req.URL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target = req.URL + sep + req.Query.Encode()
	}

	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &ConnectionError{URL: target, Cause: ctx.Err()}
			case <-time.After(policy.Delay(attempt)):
			}
		}

		resp, err := once(ctx, hc, req.Method, target, req.Header, body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, &ConnectionError{URL: target, Cause: ctx.Err()}
			}
			continue
		}
		if RetryableStatus(resp.StatusCode) && attempt+1 < attempts {
			lastErr = parseRemoteError(resp.StatusCode, resp.Body)
			continue
		}
		return resp, nil
	}

	// The loop only falls through when the final attempt was a transport
	// fault; a retryable status on the final attempt returns the response.
	if _, ok := lastErr.(*ConnectionError); ok {
		return nil, lastErr
	}
	return nil, &ConnectionError{URL: target, Cause: lastErr}
}

func once(ctx context.Context, hc *http.Client, method, target string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("api: build %s %s: %w", method, target, err)
	}

	for key, values := range header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", UserAgent)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{URL: target, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{URL: target, Cause: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// DoJSON executes the request and decodes a successful JSON response into
// out (which may be nil for fire-and-forget calls). 404 becomes
// ErrNotFound; any other non-2xx becomes a typed *Error.
func DoJSON(ctx context.Context, hc *http.Client, policy Backoff, req Request, out interface{}) error {
	resp, err := Do(ctx, hc, policy, req)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return parseRemoteError(resp.StatusCode, resp.Body)
	}

	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", req.Method, req.URL, err)
	}
	return nil
}
