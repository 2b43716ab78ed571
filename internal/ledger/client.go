// Package ledger is the client for the double-entry ledger's REST API:
// transaction create/lookup with duplicate handling, account
// find-or-create behind an LRU cache, the named-resource list/create
// pairs, and linkage-marker updates on existing transactions. Transport
// faults and transient statuses retry per the shared backoff policy.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2"

	"github.com/paperspark/spark/internal/api"
	"github.com/paperspark/spark/internal/logging"
)

// ErrNotConfigured is returned when the client is constructed without a
// base URL or token.
var ErrNotConfigured = errors.New("ledger: base URL and token are required")

// DuplicateError reports that the ledger rejected a create because it
// already holds an equivalent transaction, and no existing id could be
// recovered through the external id.
type DuplicateError struct {
	Message string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("ledger: duplicate transaction: %s", e.Message)
}

// Config configures the ledger client.
type Config struct {
	// BaseURL is the ledger root, e.g. "https://firefly.example.com".
	BaseURL string

	// Token is the personal access token sent as "Authorization: Bearer <…>".
	Token string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Backoff overrides the default retry policy when non-zero.
	Backoff api.Backoff

	// AccountCacheSize bounds the find-or-create account cache; zero
	// means 256.
	AccountCacheSize int

	// HTTPClient overrides the constructed client. Used by tests.
	HTTPClient *http.Client

	Logger logging.Logger
}

// Client talks to a firefly-style ledger.
type Client struct {
	http     *http.Client
	backoff  api.Backoff
	baseURL  string
	token    string
	logger   logging.Logger
	accounts *lru.Cache[string, *Account]
}

// Account is a ledger account as consumers see it.
type Account struct {
	ID           int64
	Name         string
	Type         string
	CurrencyCode string
}

// Transaction is the flattened consumer view of a ledger transaction
// group: the group id plus the first split's fields, which is exactly
// what the local cache mirrors.
type Transaction struct {
	ID                int64
	JournalID         int64
	GroupTitle        string
	Type              string
	Date              string
	Amount            string
	Description       string
	SourceName        string
	DestinationName   string
	CategoryName      string
	Tags              []string
	Notes             string
	ExternalID        string
	InternalReference string
	SplitCount        int
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

	cacheSize := cfg.AccountCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	accounts, err := lru.New[string, *Account](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		http:     hc,
		backoff:  backoff,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		logger:   logger,
		accounts: accounts,
	}, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return api.DoJSON(ctx, c.http, c.backoff, api.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Query:  query,
		Header: c.header(),
	}, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	return api.DoJSON(ctx, c.http, c.backoff, api.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + path,
		Header: c.header(),
		Body:   body,
	}, out)
}

func (c *Client) putJSON(ctx context.Context, path string, body, out interface{}) error {
	return api.DoJSON(ctx, c.http, c.backoff, api.Request{
		Method: http.MethodPut,
		URL:    c.baseURL + path,
		Header: c.header(),
		Body:   body,
	}, out)
}

// Ping verifies connectivity and the token via the about endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var about struct {
		Data struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/v1/about", nil, &about); err != nil {
		return fmt.Errorf("ledger: ping: %w", err)
	}
	c.logger.Debug("ledger reachable", "version", about.Data.Version)
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: malformed id %q", raw)
	}
	return id, nil
}

// ListAccounts fetches all accounts of the given type, following
// pagination. An empty type lists everything.
func (c *Client) ListAccounts(ctx context.Context, accountType string) ([]Account, error) {
	var out []Account
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		if accountType != "" {
			query.Set("type", accountType)
		}

		var list wireAccountList
		if err := c.getJSON(ctx, "/api/v1/accounts", query, &list); err != nil {
			return nil, fmt.Errorf("ledger: list accounts: %w", err)
		}
		for _, w := range list.Data {
			id, err := parseID(w.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, Account{
				ID:           id,
				Name:         w.Attributes.Name,
				Type:         w.Attributes.Type,
				CurrencyCode: w.Attributes.CurrencyCode,
			})
		}
		if list.Meta.Pagination.CurrentPage >= list.Meta.Pagination.TotalPages {
			break
		}
	}
	return out, nil
}

// CreateAccount creates an account with the given name, type, and
// currency.
func (c *Client) CreateAccount(ctx context.Context, name, accountType, currency string) (*Account, error) {
	body := map[string]string{
		"name": name,
		"type": accountType,
	}
	if currency != "" {
		body["currency_code"] = currency
	}

	var env wireAccountEnvelope
	if err := c.postJSON(ctx, "/api/v1/accounts", body, &env); err != nil {
		return nil, fmt.Errorf("ledger: create account %q: %w", name, err)
	}
	id, err := parseID(env.Data.ID)
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:           id,
		Name:         env.Data.Attributes.Name,
		Type:         env.Data.Attributes.Type,
		CurrencyCode: env.Data.Attributes.CurrencyCode,
	}, nil
}

func accountCacheKey(name, accountType string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + accountType
}

// FindOrCreateAccount returns the account with the given name and type,
// creating it when the ledger does not have it yet. Name matching is
// case-insensitive. Results are cached.
func (c *Client) FindOrCreateAccount(ctx context.Context, name, accountType, currency string) (*Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("ledger: account name is required")
	}

	key := accountCacheKey(name, accountType)
	if acct, ok := c.accounts.Get(key); ok {
		return acct, nil
	}

	existing, err := c.ListAccounts(ctx, accountType)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if strings.EqualFold(existing[i].Name, name) {
			acct := existing[i]
			c.accounts.Add(key, &acct)
			return &acct, nil
		}
	}

	acct, err := c.CreateAccount(ctx, name, accountType, currency)
	if err != nil {
		return nil, err
	}
	c.logger.Info("created ledger account", "name", name, "type", accountType, "id", acct.ID)
	c.accounts.Add(key, acct)
	return acct, nil
}
