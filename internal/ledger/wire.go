package ledger

// TransactionGroup is the ledger-bound wire object: one transaction with
// one or more splits. The three control flags are always emitted so the
// ledger's defaults can never drift under us; duplicate detection stays
// on our side via the external id.
type TransactionGroup struct {
	ErrorIfDuplicateHash bool               `json:"error_if_duplicate_hash"`
	ApplyRules           bool               `json:"apply_rules"`
	FireWebhooks         bool               `json:"fire_webhooks"`
	GroupTitle           string             `json:"group_title,omitempty"`
	Transactions         []TransactionSplit `json:"transactions"`
}

// ExternalID returns the group's identifying external id, carried by the
// first split.
func (g *TransactionGroup) ExternalID() string {
	if len(g.Transactions) == 0 {
		return ""
	}
	return g.Transactions[0].ExternalID
}

// TransactionSplit is one leg of a transaction group. Every split carries
// type, date, amount, accounts, currency, category, tags, and order; only
// the first split carries the linkage fields (external id, internal
// reference, notes, external URL, invoice/due/payment dates). Empty
// optionals are omitted from the wire; tags appear only when non-empty.
type TransactionSplit struct {
	Type            string   `json:"type"`
	Date            string   `json:"date"`
	Amount          string   `json:"amount"`
	Description     string   `json:"description"`
	Order           int      `json:"order"`
	CurrencyCode    string   `json:"currency_code,omitempty"`
	SourceName      string   `json:"source_name,omitempty"`
	DestinationName string   `json:"destination_name,omitempty"`
	CategoryName    string   `json:"category_name,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	Notes             string `json:"notes,omitempty"`
	ExternalID        string `json:"external_id,omitempty"`
	InternalReference string `json:"internal_reference,omitempty"`
	ExternalURL       string `json:"external_url,omitempty"`
	InvoiceDate       string `json:"invoice_date,omitempty"`
	DueDate           string `json:"due_date,omitempty"`
	PaymentDate       string `json:"payment_date,omitempty"`
}

// wire envelopes as the ledger sends them. Ids arrive as decimal strings.

type wireEnvelope struct {
	Data wireTransaction `json:"data"`
}

type wireListEnvelope struct {
	Data []wireTransaction `json:"data"`
	Meta wireMeta          `json:"meta"`
}

type wireMeta struct {
	Pagination struct {
		CurrentPage int `json:"current_page"`
		TotalPages  int `json:"total_pages"`
	} `json:"pagination"`
}

type wireTransaction struct {
	ID         string `json:"id"`
	Attributes struct {
		GroupTitle   string      `json:"group_title"`
		Transactions []wireSplit `json:"transactions"`
	} `json:"attributes"`
}

type wireSplit struct {
	Type                 string   `json:"type"`
	Date                 string   `json:"date"`
	Amount               string   `json:"amount"`
	Description          string   `json:"description"`
	SourceName           string   `json:"source_name"`
	DestinationName      string   `json:"destination_name"`
	CurrencyCode         string   `json:"currency_code"`
	CategoryName         string   `json:"category_name"`
	Tags                 []string `json:"tags"`
	Notes                string   `json:"notes"`
	ExternalID           string   `json:"external_id"`
	InternalReference    string   `json:"internal_reference"`
	TransactionJournalID string   `json:"transaction_journal_id"`
}

type wireAccountList struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Name         string `json:"name"`
			Type         string `json:"type"`
			CurrencyCode string `json:"currency_code"`
		} `json:"attributes"`
	} `json:"data"`
	Meta wireMeta `json:"meta"`
}

type wireAccountEnvelope struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Name         string `json:"name"`
			Type         string `json:"type"`
			CurrencyCode string `json:"currency_code"`
		} `json:"attributes"`
	} `json:"data"`
}

// wireNamedAttributes covers the ledger's three naming conventions: most
// resources use "name", tags use "tag", rule groups use "title".
type wireNamedAttributes struct {
	Name  string `json:"name"`
	Tag   string `json:"tag"`
	Title string `json:"title"`
}

func (a wireNamedAttributes) value() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Tag != "" {
		return a.Tag
	}
	return a.Title
}

type wireNamedList struct {
	Data []struct {
		ID         string              `json:"id"`
		Attributes wireNamedAttributes `json:"attributes"`
	} `json:"data"`
	Meta wireMeta `json:"meta"`
}

type wireNamedEnvelope struct {
	Data struct {
		ID         string              `json:"id"`
		Attributes wireNamedAttributes `json:"attributes"`
	} `json:"data"`
}
