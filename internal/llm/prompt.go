package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/store"
)

// Kind selects a prompt template.
type Kind string

const (
	KindCategory Kind = "category"
	KindSplit    Kind = "split"
	KindReview   Kind = "review"
	KindChat     Kind = "chat"
)

// Prompt template versions. Bumping one invalidates every cached
// response of that kind.
const (
	categoryPromptVersion = "category/v3"
	splitPromptVersion    = "split/v2"
	reviewPromptVersion   = "review/v2"
	chatPromptVersion     = "chat/v1"
)

func promptVersion(kind Kind) string {
	switch kind {
	case KindCategory:
		return categoryPromptVersion
	case KindSplit:
		return splitPromptVersion
	case KindReview:
		return reviewPromptVersion
	default:
		return chatPromptVersion
	}
}

// TaxonomyVersion derives a short stable hash of the category list, so
// cached responses die when the taxonomy changes.
func TaxonomyVersion(categories []string) string {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])[:8]
}

// ShortHash condenses bulky content into a stable token. Cache keys and
// debug output carry the token, never the content.
func ShortHash(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// cacheKey hashes everything that determines a model answer: the kind,
// both versions and the canonical inputs. Maps marshal with sorted
// keys, so the key is stable across runs.
func cacheKey(kind Kind, taxonomyVersion string, rec *canonical.Record) string {
	lines := make([]string, 0, len(rec.LineItems))
	for _, li := range rec.LineItems {
		lines = append(lines, li.Description+"|"+li.EffectiveAmount().String())
	}

	inputs := map[string]interface{}{
		"kind":        string(kind),
		"prompt":      promptVersion(kind),
		"taxonomy":    taxonomyVersion,
		"vendor":      rec.Vendor(),
		"description": rec.Proposal.Description,
		"amount":      rec.Proposal.Amount.String(),
		"currency":    rec.Proposal.Currency,
		"date":        rec.Proposal.Date,
		"type":        string(rec.Proposal.Type),
		"lines":       lines,
		"ocr":         ShortHash(rec.RawText),
	}

	data, _ := json.Marshal(inputs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func categoryMessages(rec *canonical.Record, categories []string) []Message {
	system := `You classify personal finance transactions into a fixed set of categories.
Respond with a single JSON object: {"category": "...", "confidence": 0.0-1.0, "reasoning": "..."}.
The category must be exactly one entry from the provided list. Use low confidence when the match is weak.`

	var sb strings.Builder
	sb.WriteString("Categories:\n")
	for _, c := range categories {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nTransaction:\n")
	writeRecordSummary(&sb, rec)

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	}
}

func splitMessages(rec *canonical.Record, categories []string) []Message {
	system := `You break an invoice total into categorised parts.
Respond with a single JSON object: {"splits": [{"description": "...", "amount": 0.00, "category": "..."}]}.
Amounts are plain decimals in the document's currency and must sum exactly to the total.
Categories must come from the provided list; omit the category when none fits.`

	var sb strings.Builder
	sb.WriteString("Categories:\n")
	for _, c := range categories {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "\nTotal: %s %s\nVendor: %s\n",
		rec.Proposal.Amount.String(), rec.Proposal.Currency, rec.Vendor())
	if len(rec.LineItems) > 0 {
		sb.WriteString("Line items:\n")
		for _, li := range rec.LineItems {
			fmt.Fprintf(&sb, "- %s: %s\n", li.Description, li.EffectiveAmount().String())
		}
	}

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	}
}

func reviewMessages(rec *canonical.Record, categories []string, hint *store.VendorMapping) []Message {
	system := `You review an automatic extraction of a financial document and suggest corrections.
Respond with a single JSON object:
{"category": "...", "transaction_type": "withdrawal|deposit|transfer", "destination_account": "...", "description": "...", "confidence": 0.0-1.0, "splits": [...optional, as {"description","amount","category"}...]}.
Only suggest values you are confident improve on the extraction; repeat the extracted value otherwise.
The category must come from the provided list.`

	var sb strings.Builder
	sb.WriteString("Categories:\n")
	for _, c := range categories {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nExtraction:\n")
	writeRecordSummary(&sb, rec)
	if len(rec.LineItems) > 0 {
		sb.WriteString("Line items:\n")
		for _, li := range rec.LineItems {
			fmt.Fprintf(&sb, "- %s: %s\n", li.Description, li.EffectiveAmount().String())
		}
	}
	if hint != nil {
		fmt.Fprintf(&sb, "\nPrevious bookings for this vendor used account %q", hint.Account)
		if hint.Category != "" {
			fmt.Fprintf(&sb, " and category %q", hint.Category)
		}
		fmt.Fprintf(&sb, " (%d times).\n", hint.UseCount)
	}

	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	}
}

func chatMessages(question, docContext string) []Message {
	system := `You answer questions about documents in the user's paperless-to-ledger pipeline.
Be brief and factual. Say so when the provided context does not contain the answer.`

	content := question
	if docContext != "" {
		content = "Context:\n" + docContext + "\n\nQuestion: " + question
	}
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: content},
	}
}

func writeRecordSummary(sb *strings.Builder, rec *canonical.Record) {
	fmt.Fprintf(sb, "vendor: %s\n", rec.Vendor())
	fmt.Fprintf(sb, "description: %s\n", rec.Proposal.Description)
	fmt.Fprintf(sb, "amount: %s %s\n", rec.Proposal.Amount.String(), rec.Proposal.Currency)
	fmt.Fprintf(sb, "date: %s\n", rec.Proposal.Date)
	fmt.Fprintf(sb, "type: %s\n", rec.Proposal.Type)
	if rec.Classification != nil && rec.Classification.DocumentType != "" {
		fmt.Fprintf(sb, "document type: %s\n", rec.Classification.DocumentType)
	}
	if rec.Proposal.InvoiceNumber != "" {
		fmt.Fprintf(sb, "invoice number: %s\n", rec.Proposal.InvoiceNumber)
	}
}

func messageChars(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}
