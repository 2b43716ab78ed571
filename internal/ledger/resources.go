package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// NamedResource is any of the ledger's flat name-keyed resources:
// categories, tags, budgets, rule groups, piggy banks, bills.
type NamedResource struct {
	ID   int64
	Name string
}

// resourceKind captures the per-endpoint quirks: the path segment and the
// JSON key the create body uses for the name.
type resourceKind struct {
	path    string
	nameKey string
}

var (
	kindCategories = resourceKind{path: "categories", nameKey: "name"}
	kindTags       = resourceKind{path: "tags", nameKey: "tag"}
	kindBudgets    = resourceKind{path: "budgets", nameKey: "name"}
	kindRuleGroups = resourceKind{path: "rule_groups", nameKey: "title"}
	kindPiggyBanks = resourceKind{path: "piggy_banks", nameKey: "name"}
	kindBills      = resourceKind{path: "bills", nameKey: "name"}
)

func (c *Client) listNamed(ctx context.Context, kind resourceKind) ([]NamedResource, error) {
	var out []NamedResource
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))

		var list wireNamedList
		if err := c.getJSON(ctx, "/api/v1/"+kind.path, query, &list); err != nil {
			return nil, fmt.Errorf("ledger: list %s: %w", kind.path, err)
		}
		for _, w := range list.Data {
			id, err := parseID(w.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, NamedResource{ID: id, Name: w.Attributes.value()})
		}
		if list.Meta.Pagination.CurrentPage >= list.Meta.Pagination.TotalPages {
			break
		}
	}
	return out, nil
}

func (c *Client) createNamed(ctx context.Context, kind resourceKind, name string) (*NamedResource, error) {
	body := map[string]string{kind.nameKey: name}

	var env wireNamedEnvelope
	if err := c.postJSON(ctx, "/api/v1/"+kind.path, body, &env); err != nil {
		return nil, fmt.Errorf("ledger: create %s %q: %w", kind.path, name, err)
	}
	id, err := parseID(env.Data.ID)
	if err != nil {
		return nil, err
	}
	return &NamedResource{ID: id, Name: env.Data.Attributes.value()}, nil
}

// ListCategories returns every category the ledger knows.
func (c *Client) ListCategories(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindCategories)
}

// CreateCategory creates a category.
func (c *Client) CreateCategory(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindCategories, name)
}

// ListTags returns every tag the ledger knows.
func (c *Client) ListTags(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindTags)
}

// CreateTag creates a tag.
func (c *Client) CreateTag(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindTags, name)
}

// ListBudgets returns every budget the ledger knows.
func (c *Client) ListBudgets(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindBudgets)
}

// CreateBudget creates a budget.
func (c *Client) CreateBudget(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindBudgets, name)
}

// ListRuleGroups returns every rule group the ledger knows.
func (c *Client) ListRuleGroups(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindRuleGroups)
}

// CreateRuleGroup creates a rule group.
func (c *Client) CreateRuleGroup(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindRuleGroups, name)
}

// ListPiggyBanks returns every piggy bank the ledger knows.
func (c *Client) ListPiggyBanks(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindPiggyBanks)
}

// CreatePiggyBank creates a piggy bank.
func (c *Client) CreatePiggyBank(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindPiggyBanks, name)
}

// ListBills returns every bill the ledger knows.
func (c *Client) ListBills(ctx context.Context) ([]NamedResource, error) {
	return c.listNamed(ctx, kindBills)
}

// CreateBill creates a bill.
func (c *Client) CreateBill(ctx context.Context, name string) (*NamedResource, error) {
	return c.createNamed(ctx, kindBills, name)
}
