package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// The external id is the pipeline's identity for a transaction across time
// and retries. Two formats coexist: the current v2 format is written on
// every new row, the legacy format is recognised for read-back and link
// detection only.
//
//	v2:     <hash16>:pl:<doc_id>
//	legacy: paperless:<doc_id>:<hash16>:<amount>:<date>
//
// hash16 is the first 16 lowercase hex digits of
// SHA-256(amount "|" date "|" source "|" destination) with the amount in
// canonical two-decimal form and the date as YYYY-MM-DD.

const (
	v2Tag        = ":pl:"
	legacyPrefix = "paperless:"

	// InternalRefPrefix is the literal written into a ledger
	// transaction's internal reference to mark it as linked.
	InternalRefPrefix = "PAPERLESS:"

	// NotesMarkerPrefix is the literal written into a ledger
	// transaction's notes to mark it as linked.
	NotesMarkerPrefix = "Paperless doc_id="
)

var notesMarkerRe = regexp.MustCompile(`Paperless doc_id=(\d+)`)

// AmountString renders an amount in the canonical form used for hashing
// and for the ledger wire format: dot separator, exactly two fractional
// digits, half-up rounding.
func AmountString(amount decimal.Decimal) string {
	return amount.Round(2).StringFixed(2)
}

// hash16 computes the 16-hex-digit prefix over the identity tuple.
func hash16(amount decimal.Decimal, date, source, destination string) string {
	payload := strings.Join([]string{AmountString(amount), date, source, destination}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// ExternalID derives the v2 external id for a document's proposal. The
// result is a pure function of its inputs: identical inputs always yield
// the identical string.
func ExternalID(docID int64, amount decimal.Decimal, date, source, destination string) string {
	return fmt.Sprintf("%s%s%d", hash16(amount, date, source, destination), v2Tag, docID)
}

// ParsedID is the result of decoding either external-id format.
type ParsedID struct {
	DocID  int64
	Hash   string
	Legacy bool
	// Amount and Date are populated for the legacy format only, which
	// embeds them textually.
	Amount string
	Date   string
}

// ParseExternalID decodes an external id in either format. The boolean
// result is false when the string is not one of ours.
func ParseExternalID(s string) (ParsedID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ParsedID{}, false
	}

	if strings.HasPrefix(s, legacyPrefix) {
		// paperless:<doc_id>:<hash16>:<amount>:<date>
		parts := strings.SplitN(s[len(legacyPrefix):], ":", 4)
		if len(parts) != 4 {
			return ParsedID{}, false
		}
		docID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || docID <= 0 {
			return ParsedID{}, false
		}
		if !isHash16(parts[1]) {
			return ParsedID{}, false
		}
		return ParsedID{
			DocID:  docID,
			Hash:   parts[1],
			Legacy: true,
			Amount: parts[2],
			Date:   parts[3],
		}, true
	}

	if i := strings.Index(s, v2Tag); i > 0 {
		hash := s[:i]
		if !isHash16(hash) {
			return ParsedID{}, false
		}
		docID, err := strconv.ParseInt(s[i+len(v2Tag):], 10, 64)
		if err != nil || docID <= 0 {
			return ParsedID{}, false
		}
		return ParsedID{DocID: docID, Hash: hash}, true
	}

	return ParsedID{}, false
}

func isHash16(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// InternalReference renders the internal-reference linkage marker for a
// document.
func InternalReference(docID int64) string {
	return fmt.Sprintf("%s%d", InternalRefPrefix, docID)
}

// NotesMarker renders the notes linkage marker for a document.
func NotesMarker(docID int64) string {
	return fmt.Sprintf("%s%d", NotesMarkerPrefix, docID)
}

// DocIDFromMarkers extracts the linked document id from a ledger
// transaction's markers. The first successful parse wins, in order:
// external id, internal reference, notes. Zero and false mean the
// transaction carries none of our markers.
func DocIDFromMarkers(externalID, internalRef, notes string) (int64, bool) {
	if parsed, ok := ParseExternalID(externalID); ok {
		return parsed.DocID, true
	}

	ref := strings.TrimSpace(internalRef)
	if strings.HasPrefix(ref, InternalRefPrefix) {
		if docID, err := strconv.ParseInt(ref[len(InternalRefPrefix):], 10, 64); err == nil && docID > 0 {
			return docID, true
		}
	}

	if m := notesMarkerRe.FindStringSubmatch(notes); m != nil {
		if docID, err := strconv.ParseInt(m[1], 10, 64); err == nil && docID > 0 {
			return docID, true
		}
	}

	return 0, false
}

// IsSparkLinked reports whether any of the three markers identifies the
// transaction as produced or linked by this pipeline.
func IsSparkLinked(externalID, internalRef, notes string) bool {
	_, ok := DocIDFromMarkers(externalID, internalRef, notes)
	return ok
}
