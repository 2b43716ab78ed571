package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/store"
	"github.com/paperspark/spark/internal/store/sqlite"
)

func openLLMStore(t *testing.T) store.RepositoryManager {
	t.Helper()

	rm, err := sqlite.NewRepositoryManager(store.SQLiteConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	require.NoError(t, rm.Open(context.Background()))
	t.Cleanup(func() { rm.Close(context.Background()) })

	return rm
}

// fakeModel serves the chat endpoint. reply maps a model name to its
// assistant content; models absent from the map answer 500.
type fakeModel struct {
	mu    sync.Mutex
	calls []chatRequest
	reply map[string]string
	srv   *httptest.Server
}

func newFakeModel(t *testing.T, reply map[string]string) *fakeModel {
	t.Helper()
	if reply == nil {
		reply = map[string]string{}
	}

	f := &fakeModel{reply: reply}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models": []}`)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.calls = append(f.calls, req)
		content, ok := f.reply[req.Model]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": "model overloaded"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: content},
			Done:    true,
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeModel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeModel) set(model, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply[model] = content
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, m := range f.calls[len(f.calls)-1].Messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func newTestService(t *testing.T, rm store.RepositoryManager, baseURL string, mutate func(*Config)) *Service {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BaseURL = baseURL
	cfg.ModelFast = "fast"
	cfg.ModelFallback = "fallback"
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	svc := NewService(cfg, rm, nil, nil)
	svc.SetCategories([]string{"Groceries", "Insurance", "Rent"})
	return svc
}

// seedAIExtraction stores a document plus an extraction the service can
// build prompts from. The description varies per document so each one
// gets its own cache key.
func seedAIExtraction(t *testing.T, rm store.RepositoryManager, docID int64, optOut bool) *store.Extraction {
	t.Helper()
	ctx := context.Background()

	rec := &canonical.Record{
		DocumentID: docID,
		SourceHash: fmt.Sprintf("%064d", docID),
		RawText:    "REWE Markt GmbH Summe 23,90 EUR",
		Proposal: canonical.Proposal{
			Type:               canonical.TypeWithdrawal,
			Date:               "2025-03-07",
			Amount:             decimal.RequireFromString("23.90"),
			Currency:           "EUR",
			Description:        fmt.Sprintf("REWE SAGT DANKE %d", 4000+docID),
			SourceAccount:      "Checking Account",
			DestinationAccount: "REWE",
		},
		Confidences: canonical.Confidence{
			canonical.FieldAmount: 0.95,
			canonical.FieldDate:   0.90,
			canonical.FieldVendor: 0.85,
		},
		Provenance: canonical.Provenance{
			SourceSystem:  "paperless",
			ParserVersion: "2.1.0",
			Strategy:      extract.StrategyOCR,
		},
		LineItems: []canonical.LineItem{
			{Position: 1, Description: "Lebensmittel", Total: decimal.RequireFromString("18.40")},
			{Position: 2, Description: "Drogerie", Total: decimal.RequireFromString("5.50")},
		},
	}
	rec.Regenerate()

	body, err := rec.Marshal()
	require.NoError(t, err)

	require.NoError(t, rm.Documents().Upsert(ctx, &store.Document{
		ID:            docID,
		SourceHash:    rec.SourceHash,
		Title:         "REWE Kassenbon",
		Correspondent: "REWE",
	}))

	ex := &store.Extraction{
		DocumentID:        docID,
		ExternalID:        rec.Proposal.ExternalID,
		ExtractionJSON:    body,
		OverallConfidence: 0.93,
		ReviewState:       canonical.ReviewAuto,
		LLMOptOut:         optOut,
	}
	require.NoError(t, rm.Extractions().Save(ctx, ex))
	return ex
}

func TestSuggestCategoryCachesResponse(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{
		"fast": `{"category": "groceries", "confidence": 0.92, "reasoning": "supermarket receipt"}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	got, err := svc.SuggestCategory(ctx, ex, true)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", got.Category) // canonical casing from the taxonomy
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)
	assert.Equal(t, "fast", got.Model)
	assert.False(t, got.FromCache)
	assert.Equal(t, 1, fm.count())

	again, err := svc.SuggestCategory(ctx, ex, true)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, "Groceries", again.Category)
	assert.Equal(t, "fast", again.Model)
	assert.Equal(t, 1, fm.count())
}

func TestSuggestCategoryEnforcesBothGates(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{"fast": `{"category": "Rent"}`})

	disabled := newTestService(t, rm, fm.srv.URL, func(c *Config) { c.Enabled = false })
	_, err := disabled.SuggestCategory(ctx, seedAIExtraction(t, rm, 1, false), true)
	require.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, ClassDisabled, disabled.Class())

	_, err = disabled.Chat(ctx, "was ist das?", "", nil)
	require.ErrorIs(t, err, ErrDisabled)

	svc := newTestService(t, rm, fm.srv.URL, nil)
	_, err = svc.SuggestCategory(ctx, seedAIExtraction(t, rm, 2, true), true)
	require.ErrorIs(t, err, ErrOptedOut)

	assert.Equal(t, 0, fm.count())
	assert.Zero(t, svc.ActiveRequests())
}

func TestSuggestCategoryFallsBackOnTransportFailure(t *testing.T) {
	rm := openLLMStore(t)
	// The fast model answers 500; only the fallback produces output.
	fm := newFakeModel(t, map[string]string{
		"fallback": `{"category": "Rent", "confidence": 0.7}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	got, err := svc.SuggestCategory(context.Background(), ex, true)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Model)
	assert.Equal(t, "Rent", got.Category)
	assert.Equal(t, 2, fm.count())
}

func TestSuggestCategoryFallsBackOnUnparseableOutput(t *testing.T) {
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{
		"fast":     "I would classify this as food shopping.",
		"fallback": `{"category": "Groceries", "confidence": 0.8}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	got, err := svc.SuggestCategory(context.Background(), ex, true)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Model)
	assert.Equal(t, "Groceries", got.Category)
	assert.Equal(t, 2, fm.count())
}

func TestSuggestCategoryRejectsUnknownCategory(t *testing.T) {
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{
		"fast":     `{"category": "Casino", "confidence": 0.99}`,
		"fallback": `{"category": "Casino", "confidence": 0.99}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	_, err := svc.SuggestCategory(context.Background(), ex, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taxonomy")
	assert.Equal(t, 2, fm.count())
}

func TestSuggestSplitsChecksTheSum(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	// 18.40 + 5.46 leaves the 23.90 total by 4 cents, inside the tolerance.
	fm := newFakeModel(t, map[string]string{
		"fast": `{"splits": [{"description": "Lebensmittel", "amount": 18.40, "category": "Groceries"}, {"description": "Drogerie", "amount": 5.46}]}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)

	got, err := svc.SuggestSplits(ctx, seedAIExtraction(t, rm, 1, false), true)
	require.NoError(t, err)
	require.Len(t, got.Splits, 2)
	assert.Equal(t, "Lebensmittel", got.Splits[0].Description)
	assert.Equal(t, "Groceries", got.Splits[0].Category)

	// A decomposition that strays past the tolerance fails on both models.
	fm.set("fast", `{"splits": [{"description": "Alles", "amount": 20.00}]}`)
	fm.set("fallback", `{"splits": [{"description": "Alles", "amount": 20.00}]}`)
	_, err = svc.SuggestSplits(ctx, seedAIExtraction(t, rm, 2, false), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deviates")
}

func TestSuggestReviewNormalisesFieldsAndUsesVendorHint(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	require.NoError(t, rm.Vendors().Upsert(ctx, &store.VendorMapping{
		Pattern:  store.VendorPattern("REWE"),
		Account:  "REWE",
		Category: "Groceries",
	}))

	raw := `{"category": "groceries", "transaction_type": "Withdrawal", "destination_account": "REWE Markt", "description": "Wocheneinkauf", "confidence": 0.88, "splits": [{"description": "Lebensmittel", "amount": 18.40}, {"description": "Drogerie", "amount": 5.50}]}`
	fm := newFakeModel(t, map[string]string{"fast": raw})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	got, err := svc.SuggestReview(ctx, ex, true)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", got.Category)
	assert.Equal(t, "withdrawal", got.TransactionType)
	assert.Equal(t, "REWE Markt", got.DestinationAccount)
	assert.Equal(t, "Wocheneinkauf", got.Description)
	assert.InDelta(t, 0.88, got.Confidence, 1e-9)
	require.Len(t, got.Splits, 2)
	assert.False(t, got.FromCache)

	assert.Contains(t, fm.lastPrompt(), "Previous bookings")
}

func TestSuggestReviewDropsBadSplitsAndTypes(t *testing.T) {
	rm := openLLMStore(t)
	raw := `{"category": "Groceries", "transaction_type": "refund", "confidence": 0.8, "splits": [{"description": "Alles", "amount": 40.00}]}`
	fm := newFakeModel(t, map[string]string{"fast": raw})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	got, err := svc.SuggestReview(context.Background(), ex, true)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", got.Category)
	assert.Empty(t, got.TransactionType) // not a real transaction type
	assert.Nil(t, got.Splits)            // sum is nowhere near the total
	assert.Equal(t, 1, fm.count())
}

func TestCalibrationWindowGatesAutoApply(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{
		"fast": `{"category": "Groceries", "confidence": 0.95}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, func(c *Config) { c.CalibrationCount = 2 })
	ex := seedAIExtraction(t, rm, 1, false)

	assert.False(t, svc.ShouldAutoApply(0.99))

	for i := 0; i < 2; i++ {
		_, err := svc.SuggestCategory(ctx, ex, true)
		require.NoError(t, err)
	}
	// Two produced: the window is still open, whatever the confidence.
	assert.EqualValues(t, 2, svc.SuggestionsProduced())
	assert.False(t, svc.ShouldAutoApply(0.99))

	_, err := svc.SuggestCategory(ctx, ex, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, svc.SuggestionsProduced())
	assert.True(t, svc.ShouldAutoApply(0.95))
	assert.True(t, svc.ShouldAutoApply(0.90))
	assert.False(t, svc.ShouldAutoApply(0.89))

	// Cache hits count as produced suggestions; only one call went out.
	assert.Equal(t, 1, fm.count())
}

func TestSeedCalibrationCountsCompletedJobs(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	jobs := rm.Jobs()
	for i := int64(1); i <= 2; i++ {
		id, err := jobs.Schedule(ctx, &store.Job{DocumentID: i})
		require.NoError(t, err)
		require.NoError(t, jobs.Start(ctx, id))
		require.NoError(t, jobs.Complete(ctx, id, []byte(`{"category": "Groceries"}`)))
	}

	svc := newTestService(t, rm, "http://localhost:11434", func(c *Config) { c.CalibrationCount = 2 })
	require.NoError(t, svc.SeedCalibration(ctx))
	assert.EqualValues(t, 2, svc.SuggestionsProduced())
	assert.False(t, svc.ShouldAutoApply(0.99))
}

func TestTaxonomyChangeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	fm := newFakeModel(t, map[string]string{
		"fast": `{"category": "Groceries", "confidence": 0.9}`,
	})
	svc := newTestService(t, rm, fm.srv.URL, nil)
	ex := seedAIExtraction(t, rm, 1, false)

	_, err := svc.SuggestCategory(ctx, ex, true)
	require.NoError(t, err)
	require.Equal(t, 1, fm.count())

	svc.SetCategories([]string{"Groceries", "Travel"})
	got, err := svc.SuggestCategory(ctx, ex, true)
	require.NoError(t, err)
	assert.False(t, got.FromCache)
	assert.Equal(t, 2, fm.count())
}

func TestScheduleJobQueuesOnePerDocument(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	svc := newTestService(t, rm, "http://localhost:11434", nil)
	ex := seedAIExtraction(t, rm, 1, false)

	id, err := svc.ScheduleJob(ctx, ex, 5, "ingest")
	require.NoError(t, err)

	job, err := rm.Jobs().Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, "ingest", job.CreatedBy)
	require.NotNil(t, job.ExtractionID)
	assert.Equal(t, ex.ID, *job.ExtractionID)

	// One active job per document.
	_, err = svc.ScheduleJob(ctx, ex, 0, "ingest")
	require.Error(t, err)

	// Opted-out documents are queued too; the worker skips them.
	opted := seedAIExtraction(t, rm, 2, true)
	_, err = svc.ScheduleJob(ctx, opted, 0, "ingest")
	require.NoError(t, err)

	disabled := newTestService(t, rm, "http://localhost:11434", func(c *Config) { c.Enabled = false })
	_, err = disabled.ScheduleJob(ctx, ex, 0, "ingest")
	require.ErrorIs(t, err, ErrDisabled)
}

func TestChatStreamsChunks(t *testing.T) {
	var streamed bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		streamed = req.Stream
		mu.Unlock()

		enc := json.NewEncoder(w)
		for _, part := range []string{"Das ist ", "eine Rechnung", " von REWE."} {
			_ = enc.Encode(chatResponse{Message: Message{Role: "assistant", Content: part}})
		}
		_ = enc.Encode(chatResponse{Done: true})
	}))
	t.Cleanup(srv.Close)

	rm := openLLMStore(t)
	svc := newTestService(t, rm, srv.URL, nil)
	ctx := context.Background()

	var chunks []string
	reply, err := svc.Chat(ctx, "Was ist das?", "OCR Auszug", func(chunk string) bool {
		chunks = append(chunks, chunk)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "Das ist eine Rechnung von REWE.", reply)
	assert.Len(t, chunks, 3)
	mu.Lock()
	assert.True(t, streamed)
	mu.Unlock()

	// A consumer that gives up keeps what arrived so far.
	partial, err := svc.Chat(ctx, "Was ist das?", "", func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, "Das ist ", partial)
}

func TestInteractiveWaitIsBounded(t *testing.T) {
	rm := openLLMStore(t)
	svc := newTestService(t, rm, "http://localhost:11434", func(c *Config) {
		c.MaxConcurrent = 1
		c.Timeout = 50 * time.Millisecond
	})

	release, err := svc.acquire(context.Background(), false)
	require.NoError(t, err)
	defer release()
	assert.EqualValues(t, 1, svc.ActiveRequests())

	start := time.Now()
	_, err = svc.acquire(context.Background(), true)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 1, svc.ActiveRequests())
}

func TestPingChecksEndpoint(t *testing.T) {
	rm := openLLMStore(t)
	fm := newFakeModel(t, nil)

	svc := newTestService(t, rm, fm.srv.URL, nil)
	require.NoError(t, svc.Ping(context.Background()))

	disabled := newTestService(t, rm, fm.srv.URL, func(c *Config) { c.Enabled = false })
	require.ErrorIs(t, disabled.Ping(context.Background()), ErrDisabled)
}

func TestEndpointClass(t *testing.T) {
	assert.Equal(t, ClassLocal, EndpointClass("http://localhost:11434"))
	assert.Equal(t, ClassLocal, EndpointClass("http://127.0.0.1:11434"))
	assert.Equal(t, ClassRemote, EndpointClass("https://llm.example.com"))
	assert.Equal(t, ClassDisabled, EndpointClass(""))
}

func TestFeedbackAccuracy(t *testing.T) {
	ctx := context.Background()
	rm := openLLMStore(t)
	svc := newTestService(t, rm, "http://localhost:11434", nil)

	require.NoError(t, svc.RecordFeedback(ctx, 1, "Groceries", "groceries", ""))
	require.NoError(t, svc.RecordFeedback(ctx, 2, "Rent", "Insurance", "user picked insurance"))

	stats, err := svc.Accuracy(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.Correct)
	assert.EqualValues(t, 1, stats.Wrong)
	assert.InDelta(t, 0.5, stats.Accuracy(), 1e-9)
}
