package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Model output parsing is deliberately forgiving: strip markdown fences,
// trim, cut the outermost JSON document out of surrounding prose, and as
// a last resort scrape recognisable key-value pairs. Parse errors report
// lengths, never content.

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSON returns the first well-formed JSON object or array found
// in s. It widens from the first opening bracket to the last closing
// one, then narrows from the right until the fragment parses.
func extractJSON(raw string) (string, bool) {
	s := stripFences(raw)
	if (strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")) && json.Valid([]byte(s)) {
		return s, true
	}

	// Whichever bracket opens first gets the first try, so an array of
	// objects is not mistaken for its own first element.
	pairs := [2][2]byte{{'{', '}'}, {'[', ']'}}
	if bracket := strings.IndexByte(s, '['); bracket >= 0 {
		if brace := strings.IndexByte(s, '{'); brace < 0 || bracket < brace {
			pairs[0], pairs[1] = pairs[1], pairs[0]
		}
	}
	for _, pair := range pairs {
		start := strings.IndexByte(s, pair[0])
		if start < 0 {
			continue
		}
		for end := strings.LastIndexByte(s, pair[1]); end > start; end = strings.LastIndexByte(s[:end], pair[1]) {
			if candidate := s[start : end+1]; json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

var kvPattern = regexp.MustCompile(`"?([A-Za-z_][A-Za-z0-9_]*)"?\s*[:=]\s*(?:"([^"]*)"|([-0-9][0-9.]*))`)

// scrapeKeyValues pulls key-value pairs out of text that defeated every
// JSON reading. The first occurrence of a key wins.
func scrapeKeyValues(s string) map[string]string {
	out := map[string]string{}
	for _, m := range kvPattern.FindAllStringSubmatch(s, -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		if val == "" {
			val = m[3]
		}
		if val == "" {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = val
		}
	}
	return out
}

type categoryPayload struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func decodeCategory(raw string) (*categoryPayload, error) {
	if text, ok := extractJSON(raw); ok {
		var p categoryPayload
		if err := json.Unmarshal([]byte(text), &p); err == nil && p.Category != "" {
			return &p, nil
		}
	}

	kv := scrapeKeyValues(raw)
	if cat := kv["category"]; cat != "" {
		p := &categoryPayload{Category: cat, Reasoning: kv["reasoning"]}
		if c, err := strconv.ParseFloat(kv["confidence"], 64); err == nil {
			p.Confidence = c
		}
		return p, nil
	}
	return nil, fmt.Errorf("llm: no category in model output (%d chars)", len(raw))
}

type splitPayload struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
}

/// decodeSplits accepts either {"splits": [...]} or a bare array.
func decodeSplits(raw string) ([]splitPayload, error) {
	text, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("llm: no JSON in split output (%d chars)", len(raw))
	}

	if strings.HasPrefix(text, "[") {
		var arr []splitPayload
		if err := json.Unmarshal([]byte(text), &arr); err == nil && len(arr) > 0 {
			return arr, nil
		}
		return nil, fmt.Errorf("llm: unreadable split array (%d chars)", len(text))
	}

	var wrapped struct {
		Splits []splitPayload `json:"splits"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Splits) > 0 {
		return wrapped.Splits, nil
	}
	return nil, fmt.Errorf("llm: no splits in model output (%d chars)", len(raw))
}

type reviewPayload struct {
	Category           string         `json:"category"`
	TransactionType    string         `json:"transaction_type"`
	DestinationAccount string         `json:"destination_account"`
	Description        string         `json:"description"`
	Confidence         float64        `json:"confidence"`
	Splits             []splitPayload `json:"splits"`
}

func (p *reviewPayload) empty() bool {
	return p.Category == "" && p.TransactionType == "" &&
		p.DestinationAccount == "" && p.Description == ""
}

func decodeReview(raw string) (*reviewPayload, error) {
	if text, ok := extractJSON(raw); ok {
		var p reviewPayload
		if err := json.Unmarshal([]byte(text), &p); err == nil && !p.empty() {
			return &p, nil
		}
	}

	kv := scrapeKeyValues(raw)
	p := &reviewPayload{
		Category:           kv["category"],
		TransactionType:    kv["transaction_type"],
		DestinationAccount: kv["destination_account"],
		Description:        kv["description"],
	}
	if c, err := strconv.ParseFloat(kv["confidence"], 64); err == nil {
		p.Confidence = c
	}
	if p.empty() {
		return nil, fmt.Errorf("llm: no usable fields in review output (%d chars)", len(raw))
	}
	return p, nil
}
