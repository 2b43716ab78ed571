package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/dms"
	"github.com/paperspark/spark/internal/logging"
)

type stubStrategy struct {
	name     string
	priority int
	can      bool
	rec      *canonical.Record
	err      error
	calls    int
}

func (s *stubStrategy) Name() string              { return s.name }
func (s *stubStrategy) Priority() int             { return s.priority }
func (s *stubStrategy) CanExtract(in *Input) bool { return s.can }

func (s *stubStrategy) Extract(ctx context.Context, in *Input) (*canonical.Record, error) {
	s.calls++
	return s.rec, s.err
}

func stubRecord(amountConf float64) *canonical.Record {
	return &canonical.Record{
		Proposal: canonical.Proposal{
			Type:     canonical.TypeWithdrawal,
			Date:     "2024-11-18",
			Amount:   decimal.RequireFromString("11.48"),
			Currency: "EUR",
		},
		Confidences: canonical.Confidence{canonical.FieldAmount: amountConf},
	}
}

func routeInput() *Input {
	return &Input{
		Document: &dms.Document{
			ID:      7,
			Title:   "ACME invoice",
			Content: "some body",
		},
		SourceHash:  strings.Repeat("0123456789abcdef", 4),
		DocumentURL: "https://paperless.example/documents/7/",
	}
}

func newTestRouter(strategies ...Strategy) *Router {
	return NewRouter(NewRegistry(strategies...), Config{}, logging.Nop())
}

func TestRouterStopsWhenAmountConfidenceClears(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 100, can: true, rec: stubRecord(0.9)}
	second := &stubStrategy{name: "second", priority: 50, can: true, rec: stubRecord(0.95)}

	rec, err := newTestRouter(first, second).Route(context.Background(), routeInput())
	require.NoError(t, err)

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
	assert.Equal(t, "first", rec.Provenance.Strategy)
}

func TestRouterKeepsBestBelowFloor(t *testing.T) {
	first := &stubStrategy{name: "first", priority: 100, can: true, rec: stubRecord(0.10)}
	second := &stubStrategy{name: "second", priority: 50, can: true, rec: stubRecord(0.25)}
	third := &stubStrategy{name: "third", priority: 10, can: true, rec: stubRecord(0.20)}

	rec, err := newTestRouter(first, second, third).Route(context.Background(), routeInput())
	require.NoError(t, err)

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, third.calls)
	assert.Equal(t, "second", rec.Provenance.Strategy)
}

func TestRouterSkipsFailingStrategy(t *testing.T) {
	broken := &stubStrategy{name: "broken", priority: 100, can: true, err: errors.New("boom")}
	working := &stubStrategy{name: "working", priority: 50, can: true, rec: stubRecord(0.8)}

	rec, err := newTestRouter(broken, working).Route(context.Background(), routeInput())
	require.NoError(t, err)
	assert.Equal(t, "working", rec.Provenance.Strategy)
}

func TestRouterSkipsIncapableStrategy(t *testing.T) {
	incapable := &stubStrategy{name: "incapable", priority: 100, can: false, rec: stubRecord(0.9)}
	capable := &stubStrategy{name: "capable", priority: 50, can: true, rec: stubRecord(0.8)}

	rec, err := newTestRouter(incapable, capable).Route(context.Background(), routeInput())
	require.NoError(t, err)
	assert.Equal(t, 0, incapable.calls)
	assert.Equal(t, "capable", rec.Provenance.Strategy)
}

func TestRouterErrorsWhenNothingProduces(t *testing.T) {
	incapable := &stubStrategy{name: "incapable", priority: 100, can: false}

	_, err := newTestRouter(incapable).Route(context.Background(), routeInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no strategy produced a result")
}

func TestRouterFinalisesRecord(t *testing.T) {
	bare := &stubStrategy{name: "bare", priority: 100, can: true, rec: &canonical.Record{
		Proposal: canonical.Proposal{
			Date:   "2024-11-18",
			Amount: decimal.RequireFromString("11.48"),
		},
	}}

	in := routeInput()
	rec, err := newTestRouter(bare).Route(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, int64(7), rec.DocumentID)
	assert.Equal(t, in.SourceHash, rec.SourceHash)
	assert.Equal(t, in.DocumentURL, rec.DocumentURL)
	assert.Equal(t, "some body", rec.RawText)
	assert.Equal(t, canonical.TypeWithdrawal, rec.Proposal.Type)
	assert.Equal(t, "EUR", rec.Proposal.Currency)
	assert.Equal(t, "ACME invoice", rec.Proposal.Description)
	assert.NotNil(t, rec.Confidences)

	assert.Equal(t, "paperless", rec.Provenance.SourceSystem)
	assert.Equal(t, ParserVersion, rec.Provenance.ParserVersion)
	assert.Equal(t, "bare", rec.Provenance.Strategy)
	assert.False(t, rec.Provenance.ParsedAt.IsZero())

	parsed, ok := canonical.ParseExternalID(rec.Proposal.ExternalID)
	require.True(t, ok)
	assert.Equal(t, int64(7), parsed.DocID)
}

func TestDefaultRegistryOrder(t *testing.T) {
	reg := DefaultRegistry(Config{})

	var names []string
	for _, s := range reg.Strategies() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{StrategyXML, StrategyText, StrategyOCR, StrategyFallback}, names)
}

func TestBaseConfidencePerStrategy(t *testing.T) {
	assert.Equal(t, 0.95, BaseConfidence(StrategyXML))
	assert.Equal(t, 0.75, BaseConfidence(StrategyText))
	assert.Equal(t, 0.50, BaseConfidence(StrategyOCR))
	assert.Equal(t, 0.25, BaseConfidence(StrategyFallback))
	assert.Equal(t, 0.50, BaseConfidence("unheard-of"))
}
