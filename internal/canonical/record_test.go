package canonical

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	return &Record{
		DocumentID: 12345,
		SourceHash: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Proposal: Proposal{
			Type:               TypeWithdrawal,
			Date:               "2024-11-18",
			Amount:             decimal.RequireFromString("11.48"),
			Currency:           "EUR",
			Description:        "Office supplies",
			SourceAccount:      "Checking",
			DestinationAccount: "ACME GmbH",
			Category:           "Office",
		},
		Confidences: Confidence{
			FieldAmount: 0.95,
			FieldDate:   0.90,
			FieldVendor: 0.80,
		},
		Provenance: Provenance{
			SourceSystem:  "paperless",
			ParserVersion: "1",
			Strategy:      "text",
		},
	}
}

func TestRecordValidate(t *testing.T) {
	r := validRecord()
	require.NoError(t, r.Validate())

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing document id", func(r *Record) { r.DocumentID = 0 }},
		{"bad type", func(r *Record) { r.Proposal.Type = "purchase" }},
		{"bad date", func(r *Record) { r.Proposal.Date = "18.11.2024" }},
		{"zero amount", func(r *Record) { r.Proposal.Amount = decimal.Zero }},
		{"negative amount", func(r *Record) { r.Proposal.Amount = decimal.RequireFromString("-5") }},
		{"confidence out of range", func(r *Record) { r.Confidences[FieldAmount] = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestTransactionTypeValid(t *testing.T) {
	assert.True(t, TypeWithdrawal.Valid())
	assert.True(t, TypeDeposit.Valid())
	assert.True(t, TypeTransfer.Valid())
	assert.False(t, TransactionType("loan").Valid())
}

func TestOverallConfidenceWeighting(t *testing.T) {
	r := validRecord()
	r.Confidences = Confidence{
		FieldAmount: 1.0,
		FieldDate:   1.0,
		FieldVendor: 1.0,
	}
	assert.InDelta(t, 0.90, r.OverallConfidence(), 1e-9)

	// Remaining weight comes from the mean of the other fields.
	r.Confidences[FieldDescription] = 0.5
	r.Confidences[FieldCurrency] = 0.7
	assert.InDelta(t, 0.96, r.OverallConfidence(), 1e-9)

	// Missing core fields count as zero.
	r.Confidences = Confidence{FieldAmount: 1.0}
	assert.InDelta(t, 0.40, r.OverallConfidence(), 1e-9)

	// No confidences at all.
	r.Confidences = nil
	assert.Equal(t, 0.0, r.OverallConfidence())
}

func TestConfidenceGet(t *testing.T) {
	c := Confidence{FieldAmount: 0.8}
	assert.Equal(t, 0.8, c.Get(FieldAmount))
	assert.Equal(t, 0.0, c.Get(FieldDate))

	var nilConf Confidence
	assert.Equal(t, 0.0, nilConf.Get(FieldAmount))
}

func TestRecordJSONRoundTrip(t *testing.T) {
	r := validRecord()
	r.Proposal.Tags = []string{"office", "2024"}
	r.LineItems = []LineItem{
		{Description: "Paper", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("3.50"), Total: decimal.RequireFromString("7.00")},
	}

	data, err := r.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)

	assert.Equal(t, r.DocumentID, got.DocumentID)
	assert.Equal(t, r.Proposal.Type, got.Proposal.Type)
	assert.True(t, r.Proposal.Amount.Equal(got.Proposal.Amount))
	assert.Equal(t, r.Proposal.Tags, got.Proposal.Tags)
	require.Len(t, got.LineItems, 1)
	assert.True(t, r.LineItems[0].Total.Equal(got.LineItems[0].Total))

	// Marshalling is stable: same record, same bytes.
	again, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestLineItemEffectiveAmount(t *testing.T) {
	withTotal := LineItem{UnitPrice: decimal.RequireFromString("3.00"), Total: decimal.RequireFromString("9.00")}
	assert.True(t, decimal.RequireFromString("9.00").Equal(withTotal.EffectiveAmount()))

	noTotal := LineItem{UnitPrice: decimal.RequireFromString("3.00")}
	assert.True(t, decimal.RequireFromString("3.00").Equal(noTotal.EffectiveAmount()))
}

func TestRecordVendor(t *testing.T) {
	r := validRecord()
	assert.Equal(t, "ACME GmbH", r.Vendor())

	r.Proposal.DestinationAccount = ""
	r.Classification = &Classification{Correspondent: "REWE"}
	assert.Equal(t, "REWE", r.Vendor())

	r.Classification = nil
	assert.Equal(t, "", r.Vendor())
}

func TestRegenerateExternalID(t *testing.T) {
	r := validRecord()
	r.Regenerate()
	want := ExternalID(r.DocumentID, r.Proposal.Amount, r.Proposal.Date, r.Proposal.SourceAccount, r.Proposal.DestinationAccount)
	assert.Equal(t, want, r.Proposal.ExternalID)

	// Editing a hashed field changes the id on regeneration.
	before := r.Proposal.ExternalID
	r.Proposal.Amount = decimal.RequireFromString("20.00")
	r.Regenerate()
	assert.NotEqual(t, before, r.Proposal.ExternalID)
}

func TestProposalDateTime(t *testing.T) {
	p := Proposal{Date: "2024-11-18"}
	ts, err := p.DateTime()
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, 18, ts.Day())

	p.Date = "garbage"
	_, err = p.DateTime()
	assert.Error(t, err)
}
