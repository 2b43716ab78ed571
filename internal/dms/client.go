// Package dms is the client for the document management system. It lists
// and fetches documents with tag, correspondent, and document-type ids
// resolved to names, and downloads original file bytes. Pagination is
// followed transparently; transient failures retry per the shared backoff
// policy.
package dms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/paperspark/spark/internal/api"
	"github.com/paperspark/spark/internal/logging"
)

// ErrNotConfigured is returned when the client is constructed without a
// base URL or token.
var ErrNotConfigured = errors.New("dms: base URL and token are required")

// Config configures the DMS client.
type Config struct {
	// BaseURL is the DMS root, e.g. "https://paperless.example.com".
	BaseURL string

	// Token is the API token sent as "Authorization: Token <…>".
	Token string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Backoff overrides the default retry policy when non-zero.
	Backoff api.Backoff

	// HTTPClient overrides the constructed client. Used by tests.
	HTTPClient *http.Client

	Logger logging.Logger
}

// Client talks to a paperless-style DMS.
type Client struct {
	http    *http.Client
	backoff api.Backoff
	baseURL string
	token   string
	logger  logging.Logger

	mu    sync.Mutex
	names map[nameKind]map[int64]string
}

// Document is a DMS document with reference ids resolved to names.
type Document struct {
	ID            int64
	Title         string
	DocumentType  string
	Correspondent string
	Tags          []string

	// Content is the DMS-provided text layer (archive text or OCR output).
	Content string

	// CreatedDate is the document date as reported by the DMS, YYYY-MM-DD.
	CreatedDate string

	AddedAt      time.Time
	OriginalName string
}

// Filter narrows a document listing. Zero values are ignored.
type Filter struct {
	// Tags restricts to documents carrying the named tags.
	Tags []string

	DocumentType  string
	Correspondent string

	// Query is the DMS free-text search.
	Query string

	// PageSize bounds each page fetch; zero means 100.
	PageSize int
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, ErrNotConfigured
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = api.NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)
	}
	backoff := cfg.Backoff
	if backoff.Attempts == 0 {
		backoff = api.DefaultBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Client{
		http:    hc,
		backoff: backoff,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
		names:   make(map[nameKind]map[int64]string),
	}, nil
}

// BaseURL returns the configured DMS root. Used to build document URLs
// for wire payloads.
func (c *Client) BaseURL() string { return c.baseURL }

// DocumentURL returns the human-facing details page for a document.
func (c *Client) DocumentURL(id int64) string {
	return fmt.Sprintf("%s/documents/%d/", c.baseURL, id)
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+c.token)
	return h
}

func (c *Client) getJSON(ctx context.Context, rawURL string, query url.Values, out interface{}) error {
	return api.DoJSON(ctx, c.http, c.backoff, api.Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Query:  query,
		Header: c.header(),
	}, out)
}

// Ping verifies reachability and that the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("page_size", "1")
	var page documentPage
	if err := c.getJSON(ctx, c.baseURL+"/api/documents/", query, &page); err != nil {
		return fmt.Errorf("dms: ping: %w", err)
	}
	return nil
}

// wire shapes as the DMS sends them; reference fields are numeric ids.

type wireDocument struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	Content          string  `json:"content"`
	Created          string  `json:"created"`
	CreatedDate      string  `json:"created_date"`
	Added            string  `json:"added"`
	Correspondent    *int64  `json:"correspondent"`
	DocumentType     *int64  `json:"document_type"`
	Tags             []int64 `json:"tags"`
	OriginalFileName string  `json:"original_file_name"`
}

type documentPage struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []wireDocument `json:"results"`
}

// ListDocuments fetches every document matching the filter, following
// pagination until the DMS reports no further page.
func (c *Client) ListDocuments(ctx context.Context, filter Filter) ([]Document, error) {
	query := url.Values{}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	query.Set("page_size", fmt.Sprintf("%d", pageSize))
	switch len(filter.Tags) {
	case 0:
	case 1:
		query.Set("tags__name__iexact", filter.Tags[0])
	default:
		query.Set("tags__name__in", strings.Join(filter.Tags, ","))
	}
	if filter.DocumentType != "" {
		query.Set("document_type__name__iexact", filter.DocumentType)
	}
	if filter.Correspondent != "" {
		query.Set("correspondent__name__iexact", filter.Correspondent)
	}
	if filter.Query != "" {
		query.Set("query", filter.Query)
	}

	var wires []wireDocument
	next := c.baseURL + "/api/documents/?" + query.Encode()
	for next != "" {
		var page documentPage
		if err := c.getJSON(ctx, next, nil, &page); err != nil {
			return nil, fmt.Errorf("dms: list documents: %w", err)
		}
		wires = append(wires, page.Results...)
		next = c.nextURL(page.Next)
	}

	docs := make([]Document, 0, len(wires))
	for _, w := range wires {
		doc, err := c.resolve(ctx, w)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	c.logger.Debug("dms list complete", "count", len(docs))
	return docs, nil
}

// GetDocument fetches one document by id. Absent documents return
// (nil, nil).
func (c *Client) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var w wireDocument
	err := c.getJSON(ctx, fmt.Sprintf("%s/api/documents/%d/", c.baseURL, id), nil, &w)
	if errors.Is(err, api.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dms: get document %d: %w", id, err)
	}
	return c.resolve(ctx, w)
}

// nextURL normalises the DMS's next-page link. The DMS sends absolute
// URLs; relative ones are resolved against the base.
func (c *Client) nextURL(next *string) string {
	if next == nil || *next == "" {
		return ""
	}
	if strings.HasPrefix(*next, "http://") || strings.HasPrefix(*next, "https://") {
		return *next
	}
	return c.baseURL + "/" + strings.TrimPrefix(*next, "/")
}

func (c *Client) resolve(ctx context.Context, w wireDocument) (*Document, error) {
	doc := &Document{
		ID:           w.ID,
		Title:        w.Title,
		Content:      w.Content,
		CreatedDate:  c.createdDate(w),
		OriginalName: w.OriginalFileName,
	}
	if w.Added != "" {
		if t, err := time.Parse(time.RFC3339, w.Added); err == nil {
			doc.AddedAt = t.UTC()
		}
	}

	if w.Correspondent != nil {
		name, err := c.lookupName(ctx, kindCorrespondents, *w.Correspondent)
		if err != nil {
			return nil, err
		}
		doc.Correspondent = name
	}
	if w.DocumentType != nil {
		name, err := c.lookupName(ctx, kindDocumentTypes, *w.DocumentType)
		if err != nil {
			return nil, err
		}
		doc.DocumentType = name
	}
	for _, tagID := range w.Tags {
		name, err := c.lookupName(ctx, kindTags, tagID)
		if err != nil {
			return nil, err
		}
		if name != "" {
			doc.Tags = append(doc.Tags, name)
		}
	}
	return doc, nil
}

// createdDate prefers the DMS's explicit date field and falls back to the
// date part of the created timestamp.
func (c *Client) createdDate(w wireDocument) string {
	if w.CreatedDate != "" {
		return w.CreatedDate
	}
	if len(w.Created) >= 10 {
		return w.Created[:10]
	}
	return ""
}

type nameKind string

const (
	kindTags           nameKind = "tags"
	kindCorrespondents nameKind = "correspondents"
	kindDocumentTypes  nameKind = "document_types"
)

type wireNamed struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type namedPage struct {
	Next    *string     `json:"next"`
	Results []wireNamed `json:"results"`
}

// lookupName resolves a reference id to its name, loading the kind's full
// list on first use. An id unknown to the cached list forces one reload,
// which covers names created after the cache was filled.
func (c *Client) lookupName(ctx context.Context, kind nameKind, id int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	table, loaded := c.names[kind]
	if loaded {
		if name, ok := table[id]; ok {
			return name, nil
		}
	}

	table, err := c.fetchNamesLocked(ctx, kind)
	if err != nil {
		return "", err
	}
	name, ok := table[id]
	if !ok {
		c.logger.Debug("dms reference id unknown", "kind", string(kind), "id", id)
	}
	return name, nil
}

func (c *Client) fetchNamesLocked(ctx context.Context, kind nameKind) (map[int64]string, error) {
	table := make(map[int64]string)
	next := fmt.Sprintf("%s/api/%s/?page_size=100", c.baseURL, kind)
	for next != "" {
		var page namedPage
		if err := c.getJSON(ctx, next, nil, &page); err != nil {
			return nil, fmt.Errorf("dms: load %s: %w", kind, err)
		}
		for _, r := range page.Results {
			table[r.ID] = r.Name
		}
		next = c.nextURL(page.Next)
	}
	c.names[kind] = table
	return table, nil
}
