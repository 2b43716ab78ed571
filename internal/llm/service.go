package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/metrics"
	"github.com/paperspark/spark/internal/store"
)

var (
	// ErrDisabled is returned when the global enable flag is off.
	ErrDisabled = errors.New("llm: service is disabled")

	// ErrOptedOut is returned for extractions whose document opted out
	// of AI suggestions.
	ErrOptedOut = errors.New("llm: document opted out of AI suggestions")
)

// splitTolerance is how far a decomposition's sum may stray from the
// proposal total before the suggestion is rejected.
var splitTolerance = decimal.NewFromFloat(0.05)

// CategorySuggestion is one category from the taxonomy.
type CategorySuggestion struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Model      string  `json:"model"`
	FromCache  bool    `json:"from_cache"`
}

// Split is one categorised part of a decomposed total.
type Split struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
}

// SplitSuggestion decomposes a proposal total into parts whose sum
// stays within the tolerance.
type SplitSuggestion struct {
	Splits    []Split `json:"splits"`
	Model     string  `json:"model"`
	FromCache bool    `json:"from_cache"`
}

// ReviewSuggestion carries per-field corrections for one document. It
// is the payload queued AI jobs complete with.
type ReviewSuggestion struct {
	Category           string  `json:"category,omitempty"`
	TransactionType    string  `json:"transaction_type,omitempty"`
	DestinationAccount string  `json:"destination_account,omitempty"`
	Description        string  `json:"description,omitempty"`
	Confidence         float64 `json:"confidence"`
	Splits             []Split `json:"splits,omitempty"`
	Model              string  `json:"model"`
	FromCache          bool    `json:"from_cache"`
}

// Config configures the service.
type Config struct {
	Enabled          bool
	BaseURL          string
	ModelFast        string
	ModelFallback    string
	Timeout          time.Duration
	MaxConcurrent    int64
	MaxRetries       int
	GreenThreshold   float64
	CalibrationCount int64
	AuthHeader       string
	CacheTTL         time.Duration
}

// DefaultConfig returns the stock tuning for a local Ollama endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:11434",
		ModelFast:        "llama3.2:3b",
		ModelFallback:    "qwen2.5:7b",
		Timeout:          defaultTimeout,
		MaxConcurrent:    2,
		MaxRetries:       3,
		GreenThreshold:   0.90,
		CalibrationCount: 50,
		CacheTTL:         7 * 24 * time.Hour,
	}
}

// Service is the single entry point for model suggestions. It enforces
// the global enable flag and the per-document opt-out, caches
// responses, bounds concurrency with a semaphore and tracks the
// calibration window.
type Service struct {
	cfg     Config
	client  *Client
	repos   store.RepositoryManager
	logger  logging.Logger
	metrics *metrics.Collector

	sem      *semaphore.Weighted
	active   atomic.Int64
	produced atomic.Int64

	mu         sync.RWMutex
	categories []string
	taxonomy   string
}

func NewService(cfg Config, repos store.RepositoryManager, logger logging.Logger, collector *metrics.Collector) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.GreenThreshold <= 0 {
		cfg.GreenThreshold = 0.90
	}
	if cfg.CalibrationCount <= 0 {
		cfg.CalibrationCount = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s := &Service{
		cfg: cfg,
		client: NewClient(ClientConfig{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			AuthHeader: cfg.AuthHeader,
		}, logger),
		repos:   repos,
		logger:  logger,
		metrics: collector,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	s.SetCategories(nil)
	return s
}

// Enabled reports the global gate.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Class reports the endpoint locality for status output.
func (s *Service) Class() Class {
	if !s.cfg.Enabled {
		return ClassDisabled
	}
	return EndpointClass(s.cfg.BaseURL)
}

// ActiveRequests is the number of in-flight model calls.
func (s *Service) ActiveRequests() int64 { return s.active.Load() }

// Ping probes the endpoint without consuming a semaphore slot.
func (s *Service) Ping(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	return s.client.Ping(ctx)
}

// gate enforces the two opt-outs. Nothing past this point runs for a
// refused document: no cache read, no semaphore, no network.
func (s *Service) gate(ex *store.Extraction) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if ex != nil && ex.LLMOptOut {
		return ErrOptedOut
	}
	return nil
}

// SetCategories replaces the taxonomy. Readers always observe the list
// and its version as a consistent pair.
func (s *Service) SetCategories(names []string) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	version := TaxonomyVersion(sorted)

	s.mu.Lock()
	s.categories = sorted
	s.taxonomy = version
	s.mu.Unlock()
}

func (s *Service) snapshot() ([]string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.categories, s.taxonomy
}

// SeedCalibration loads the count of suggestions already produced by
// completed jobs, so a restart does not reopen the calibration window.
func (s *Service) SeedCalibration(ctx context.Context) error {
	n, err := s.repos.Jobs().CountCompletedSuggestions(ctx)
	if err != nil {
		return err
	}
	s.produced.Store(n)
	return nil
}

// SuggestionsProduced is the calibration counter's current value.
func (s *Service) SuggestionsProduced() int64 { return s.produced.Load() }

// ShouldAutoApply reports whether a suggestion at this confidence may
// be applied without review. The answer is always no while the
// calibration window is open: with the default count of 50, the 51st
// produced suggestion is the first eligible one.
func (s *Service) ShouldAutoApply(confidence float64) bool {
	if s.produced.Load() <= s.cfg.CalibrationCount {
		return false
	}
	return confidence >= s.cfg.GreenThreshold
}

// acquire takes one semaphore slot. Queued callers wait as long as the
// context allows; interactive callers give up after the read timeout.
func (s *Service) acquire(ctx context.Context, interactive bool) (func(), error) {
	acquireCtx := ctx
	if interactive {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, fmt.Errorf("llm: waiting for a request slot: %w", err)
	}
	s.metrics.SetLLMActive(s.active.Add(1))
	return func() {
		s.sem.Release(1)
		s.metrics.SetLLMActive(s.active.Add(-1))
	}, nil
}

func (s *Service) cached(ctx context.Context, key string) *store.LLMCacheEntry {
	entry, err := s.repos.LLM().CacheGet(ctx, key, time.Now())
	if err != nil {
		s.logger.Warn("llm cache read failed", "error", err)
		return nil
	}
	if entry == nil {
		s.metrics.LLMCacheMiss()
		return nil
	}
	s.metrics.LLMCacheHit()
	return entry
}

func (s *Service) storeResponse(ctx context.Context, key, model, taxonomy string, kind Kind, raw string) {
	err := s.repos.LLM().CacheSet(ctx, &store.LLMCacheEntry{
		Key:             key,
		Model:           model,
		PromptVersion:   promptVersion(kind),
		TaxonomyVersion: taxonomy,
		Response:        raw,
		ExpiresAt:       time.Now().UTC().Add(s.cfg.CacheTTL),
	})
	if err != nil {
		s.logger.Warn("llm cache write failed", "error", err)
	}
}

// complete runs the exchange against the fast model and falls back to
// the slower one when transport or parsing fails.
func (s *Service) complete(ctx context.Context, messages []Message, decode func(string) error) (string, string, error) {
	model := s.cfg.ModelFast
	raw, err := s.client.Chat(ctx, model, messages, true)
	if err == nil {
		if derr := decode(raw); derr == nil {
			return raw, model, nil
		} else {
			err = derr
		}
	}

	fallback := s.cfg.ModelFallback
	if fallback == "" || fallback == model {
		return "", "", err
	}
	s.logger.Warn("fast model failed, trying fallback",
		"model", model, "fallback", fallback, "error", err)

	raw, ferr := s.client.Chat(ctx, fallback, messages, true)
	if ferr != nil {
		return "", "", fmt.Errorf("llm: both models failed: %w (fast: %v)", ferr, err)
	}
	if derr := decode(raw); derr != nil {
		return "", "", derr
	}
	return raw, fallback, nil
}

// matchCategory resolves a suggested name against the taxonomy,
// case-insensitively, returning the canonical casing. An empty taxonomy
// accepts anything.
func matchCategory(name string, categories []string) (string, bool) {
	if len(categories) == 0 {
		return name, true
	}
	for _, c := range categories {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// SuggestCategory proposes a taxonomy category for the extraction's
// transaction. interactive bounds the semaphore wait by the read
// timeout; queued callers wait as long as their context lives.
func (s *Service) SuggestCategory(ctx context.Context, ex *store.Extraction, interactive bool) (*CategorySuggestion, error) {
	if err := s.gate(ex); err != nil {
		return nil, err
	}
	rec, err := ex.Record()
	if err != nil {
		return nil, err
	}
	categories, taxonomy := s.snapshot()
	key := cacheKey(KindCategory, taxonomy, rec)

	decode := func(out string) (*categoryPayload, error) {
		p, derr := decodeCategory(out)
		if derr != nil {
			return nil, derr
		}
		canon, ok := matchCategory(p.Category, categories)
		if !ok {
			return nil, errors.New("llm: suggested category not in taxonomy")
		}
		p.Category = canon
		return p, nil
	}

	if entry := s.cached(ctx, key); entry != nil {
		if p, derr := decode(entry.Response); derr == nil {
			s.produced.Add(1)
			return &CategorySuggestion{
				Category:   p.Category,
				Confidence: clamp01(p.Confidence),
				Reasoning:  p.Reasoning,
				Model:      entry.Model,
				FromCache:  true,
			}, nil
		}
		s.logger.Warn("discarding unreadable cached response", "key", key)
	}

	release, err := s.acquire(ctx, interactive)
	if err != nil {
		return nil, err
	}
	defer release()

	messages := categoryMessages(rec, categories)
	s.logger.Debug("llm category request",
		"document_id", rec.DocumentID, "prompt_chars", messageChars(messages))

	var payload *categoryPayload
	raw, model, err := s.complete(ctx, messages, func(out string) error {
		p, derr := decode(out)
		if derr != nil {
			return derr
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.storeResponse(ctx, key, model, taxonomy, KindCategory, raw)
	s.produced.Add(1)
	return &CategorySuggestion{
		Category:   payload.Category,
		Confidence: clamp01(payload.Confidence),
		Reasoning:  payload.Reasoning,
		Model:      model,
	}, nil
}

// SuggestSplits decomposes the proposal total into categorised parts.
// A decomposition whose sum strays beyond the tolerance counts as a
// parse failure, which gives the fallback model its try.
func (s *Service) SuggestSplits(ctx context.Context, ex *store.Extraction, interactive bool) (*SplitSuggestion, error) {
	if err := s.gate(ex); err != nil {
		return nil, err
	}
	rec, err := ex.Record()
	if err != nil {
		return nil, err
	}
	categories, taxonomy := s.snapshot()
	key := cacheKey(KindSplit, taxonomy, rec)
	total := rec.Proposal.Amount

	if entry := s.cached(ctx, key); entry != nil {
		if splits, derr := readSplits(entry.Response, total); derr == nil {
			s.produced.Add(1)
			return &SplitSuggestion{Splits: splits, Model: entry.Model, FromCache: true}, nil
		}
		s.logger.Warn("discarding unreadable cached response", "key", key)
	}

	release, err := s.acquire(ctx, interactive)
	if err != nil {
		return nil, err
	}
	defer release()

	messages := splitMessages(rec, categories)
	s.logger.Debug("llm split request",
		"document_id", rec.DocumentID, "prompt_chars", messageChars(messages))

	var splits []Split
	raw, model, err := s.complete(ctx, messages, func(out string) error {
		parsed, derr := readSplits(out, total)
		if derr != nil {
			return derr
		}
		splits = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.storeResponse(ctx, key, model, taxonomy, KindSplit, raw)
	s.produced.Add(1)
	return &SplitSuggestion{Splits: splits, Model: model}, nil
}

// readSplits decodes a decomposition and checks the sum tolerance.
func readSplits(raw string, total decimal.Decimal) ([]Split, error) {
	payload, err := decodeSplits(raw)
	if err != nil {
		return nil, err
	}

	splits := make([]Split, 0, len(payload))
	sum := decimal.Zero
	for _, p := range payload {
		splits = append(splits, Split{
			Description: strings.TrimSpace(p.Description),
			Amount:      p.Amount,
			Category:    strings.TrimSpace(p.Category),
		})
		sum = sum.Add(p.Amount)
	}
	if sum.Sub(total).Abs().GreaterThan(splitTolerance) {
		return nil, fmt.Errorf("llm: split sum %s deviates from total %s", sum, total)
	}
	return splits, nil
}

// SuggestReview returns per-field corrections for the extraction. This
// is the suggestion kind queued AI jobs run.
func (s *Service) SuggestReview(ctx context.Context, ex *store.Extraction, interactive bool) (*ReviewSuggestion, error) {
	if err := s.gate(ex); err != nil {
		return nil, err
	}
	rec, err := ex.Record()
	if err != nil {
		return nil, err
	}
	categories, taxonomy := s.snapshot()
	key := cacheKey(KindReview, taxonomy, rec)

	if entry := s.cached(ctx, key); entry != nil {
		if p, derr := decodeReview(entry.Response); derr == nil {
			s.produced.Add(1)
			return s.reviewResult(p, categories, rec.Proposal.Amount, entry.Model, true), nil
		}
		s.logger.Warn("discarding unreadable cached response", "key", key)
	}

	release, err := s.acquire(ctx, interactive)
	if err != nil {
		return nil, err
	}
	defer release()

	var hint *store.VendorMapping
	if vendor := rec.Vendor(); vendor != "" {
		if hint, err = s.repos.Vendors().Lookup(ctx, store.VendorPattern(vendor)); err != nil {
			s.logger.Debug("vendor lookup failed", "error", err)
			hint = nil
		}
	}

	messages := reviewMessages(rec, categories, hint)
	s.logger.Debug("llm review request",
		"document_id", rec.DocumentID, "prompt_chars", messageChars(messages))

	var payload *reviewPayload
	raw, model, err := s.complete(ctx, messages, func(out string) error {
		p, derr := decodeReview(out)
		if derr != nil {
			return derr
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.storeResponse(ctx, key, model, taxonomy, KindReview, raw)
	s.produced.Add(1)
	return s.reviewResult(payload, categories, rec.Proposal.Amount, model, false), nil
}

// reviewResult normalizes a decoded review payload: category resolved
// against the taxonomy, transaction type validated, splits kept only
// when their sum holds.
func (s *Service) reviewResult(p *reviewPayload, categories []string, total decimal.Decimal, model string, fromCache bool) *ReviewSuggestion {
	r := &ReviewSuggestion{
		TransactionType:    strings.ToLower(strings.TrimSpace(p.TransactionType)),
		DestinationAccount: strings.TrimSpace(p.DestinationAccount),
		Description:        strings.TrimSpace(p.Description),
		Confidence:         clamp01(p.Confidence),
		Model:              model,
		FromCache:          fromCache,
	}
	if canon, ok := matchCategory(strings.TrimSpace(p.Category), categories); ok {
		r.Category = canon
	}
	if !canonical.TransactionType(r.TransactionType).Valid() {
		r.TransactionType = ""
	}
	if len(p.Splits) > 0 {
		sum := decimal.Zero
		splits := make([]Split, 0, len(p.Splits))
		for _, sp := range p.Splits {
			splits = append(splits, Split{
				Description: strings.TrimSpace(sp.Description),
				Amount:      sp.Amount,
				Category:    strings.TrimSpace(sp.Category),
			})
			sum = sum.Add(sp.Amount)
		}
		if sum.Sub(total).Abs().GreaterThan(splitTolerance) {
			s.logger.Debug("dropping review splits with bad sum",
				"sum", sum.String(), "total", total.String())
		} else {
			r.Splits = splits
		}
	}
	return r
}

// Chat answers a free-form question, streaming the reply through
// onChunk when given; returning false from onChunk stops the stream.
// Chat replies are interactive and never cached.
func (s *Service) Chat(ctx context.Context, question, docContext string, onChunk func(string) bool) (string, error) {
	if !s.cfg.Enabled {
		return "", ErrDisabled
	}

	release, err := s.acquire(ctx, true)
	if err != nil {
		return "", err
	}
	defer release()

	s.logger.Debug("llm chat request",
		"question_chars", len(question), "context_chars", len(docContext))

	messages := chatMessages(question, docContext)
	reply, err := s.client.ChatStream(ctx, s.cfg.ModelFast, messages, onChunk)
	if err == nil {
		return reply, nil
	}
	if s.cfg.ModelFallback == "" || s.cfg.ModelFallback == s.cfg.ModelFast {
		return reply, err
	}
	s.logger.Warn("chat stream failed, trying fallback", "error", err)

	out, ferr := s.client.Chat(ctx, s.cfg.ModelFallback, messages, false)
	if ferr != nil {
		return reply, err
	}
	return out, nil
}

// ScheduleJob queues a suggestion job for the extraction. Opted-out
// documents are queued too; the worker completes them with a skip
// payload so the queue reflects every document that passed through.
func (s *Service) ScheduleJob(ctx context.Context, ex *store.Extraction, priority int, createdBy string) (int64, error) {
	if !s.cfg.Enabled {
		return 0, ErrDisabled
	}
	extractionID := ex.ID
	externalID := ex.ExternalID
	return s.repos.Jobs().Schedule(ctx, &store.Job{
		DocumentID:   ex.DocumentID,
		ExtractionID: &extractionID,
		ExternalID:   &externalID,
		Priority:     priority,
		MaxRetries:   s.cfg.MaxRetries,
		CreatedBy:    createdBy,
	})
}

// RecordFeedback logs whether a suggestion matched what the user
// finally chose. The comparison is case-insensitive.
func (s *Service) RecordFeedback(ctx context.Context, runID int64, suggested, actual, notes string) error {
	kind := store.FeedbackWrong
	if strings.EqualFold(strings.TrimSpace(suggested), strings.TrimSpace(actual)) {
		kind = store.FeedbackCorrect
	}
	return s.repos.LLM().RecordFeedback(ctx, &store.LLMFeedback{
		RunID:             runID,
		SuggestedCategory: suggested,
		ActualCategory:    actual,
		Kind:              kind,
		Notes:             notes,
	})
}

// Accuracy summarises the trailing feedback window; lastN <= 0 means
// all recorded feedback.
func (s *Service) Accuracy(ctx context.Context, lastN int) (*store.FeedbackStats, error) {
	return s.repos.LLM().FeedbackStats(ctx, lastN)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
