// Package llm provides AI suggestions for extracted documents: category
// classification, split decomposition, per-field review corrections and
// a documentation chat. The Service is the single enforcement point for
// the global enable flag and the per-document opt-out; nothing in this
// package talks to a model when either gate is closed.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paperspark/spark/internal/api"
	"github.com/paperspark/spark/internal/logging"
)

// ErrNoEndpoint is returned when a call is attempted without a base URL.
var ErrNoEndpoint = errors.New("llm: no endpoint configured")

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Class is the endpoint's locality, reported by status output.
type Class string

const (
	ClassLocal    Class = "local"
	ClassRemote   Class = "remote"
	ClassDisabled Class = "disabled"
)

// EndpointClass classifies where requests would go. An empty URL is
// disabled; loopback hosts are local; everything else is remote.
func EndpointClass(rawURL string) Class {
	if strings.TrimSpace(rawURL) == "" {
		return ClassDisabled
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ClassRemote
	}
	host := u.Hostname()
	if host == "localhost" {
		return ClassLocal
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return ClassLocal
	}
	return ClassRemote
}

// ClientConfig configures the model endpoint.
type ClientConfig struct {
	// BaseURL is the Ollama-compatible root, e.g. "http://localhost:11434".
	BaseURL string

	// Timeout bounds one complete exchange, including reading a streamed
	// body to its end.
	Timeout time.Duration

	// AuthHeader is an optional "Name: value" header attached to every
	// request, for endpoints behind an authenticating proxy.
	AuthHeader string
}

const defaultTimeout = 120 * time.Second

// Client speaks the Ollama chat API. Raw prompts and responses never
// pass through its logger.
type Client struct {
	baseURL   string
	hc        *http.Client
	authName  string
	authValue string
	logger    logging.Logger
}

func NewClient(cfg ClientConfig, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:        8,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}
	if name, value, ok := strings.Cut(cfg.AuthHeader, ":"); ok {
		c.authName = strings.TrimSpace(name)
		c.authValue = strings.TrimSpace(value)
	}
	return c
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.authName != "" {
		h.Set(c.authName, c.authValue)
	}
	return h
}

// Chat sends one exchange and returns the assistant's full reply.
// jsonMode asks the model to emit a bare JSON document. The call is a
// single attempt; model fallback is the caller's concern.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, jsonMode bool) (string, error) {
	if c.baseURL == "" {
		return "", ErrNoEndpoint
	}

	req := chatRequest{
		Model:    model,
		Messages: messages,
		Options:  map[string]interface{}{"temperature": 0.1},
	}
	if jsonMode {
		req.Format = "json"
	}

	resp, err := api.Do(ctx, c.hc, api.Backoff{Attempts: 1}, api.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/api/chat",
		Header: c.header(),
		Body:   req,
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: chat returned status %d: %s", resp.StatusCode, errorExcerpt(resp.Body))
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("llm: decode chat response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("llm: %s", out.Error)
	}
	return out.Message.Content, nil
}

// ChatStream sends one exchange with streaming enabled and invokes
// onChunk per content fragment. Returning false from onChunk abandons
// the stream; the text collected so far comes back with a nil error.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, onChunk func(string) bool) (string, error) {
	if c.baseURL == "" {
		return "", ErrNoEndpoint
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return "", fmt.Errorf("llm: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", api.UserAgent)
	if c.authName != "" {
		httpReq.Header.Set(c.authName, c.authValue)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm: chat returned status %d: %s", resp.StatusCode, errorExcerpt(data))
	}

	var sb strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return sb.String(), fmt.Errorf("llm: decode stream: %w", err)
		}
		if chunk.Error != "" {
			return sb.String(), fmt.Errorf("llm: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			sb.WriteString(chunk.Message.Content)
			if onChunk != nil && !onChunk(chunk.Message.Content) {
				return sb.String(), nil
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

// Ping checks the endpoint is reachable by listing its models.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNoEndpoint
	}
	resp, err := api.Do(ctx, c.hc, api.Backoff{Attempts: 1}, api.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/api/tags",
		Header: c.header(),
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// errorExcerpt keeps endpoint error bodies short. The excerpt carries
// server diagnostics like "model not found", never document content.
func errorExcerpt(body []byte) string {
	var wrapped struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != "" {
		return wrapped.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
