// Package reconcile is the decision core: it turns a category request
// into an answer by selecting sources, fetching a small redundant set
// in parallel, validating and cross-checking the payloads, scoring
// confidence, and falling back to the snapshot cache when every live
// source is gone.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/compare"
	"github.com/healthsignal/sentinel/pkg/dataset"
	"github.com/healthsignal/sentinel/pkg/fetch"
	"github.com/healthsignal/sentinel/pkg/store"
	"github.com/healthsignal/sentinel/pkg/validate"
)

var (
	// ErrAllSourcesExhausted means every live source failed and no
	// cached snapshot could stand in.
	ErrAllSourcesExhausted = errors.New("all sources exhausted")

	// ErrValidationFailed means data was fetched but nothing passed
	// validation, and no cached snapshot could stand in.
	ErrValidationFailed = errors.New("fetched data failed validation")
)

// ReasonGovernmentConflict labels a trust-reversal source switch.
const ReasonGovernmentConflict = "government_data_conflicts"

// SourceSwitch records a mid-request change of primary source.
type SourceSwitch struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Metadata is the provenance trail attached to every answer and
// persisted alongside the snapshot.
type Metadata struct {
	RequestID       string                `json:"request_id"`
	Category        string                `json:"category"`
	PrimarySource   string                `json:"primary_source"`
	PrimaryKind     catalog.Kind          `json:"primary_kind,omitempty"`
	FetchedAt       time.Time             `json:"fetched_at"`
	SourcesCompared []string              `json:"sources_compared,omitempty"`
	ConfidenceScore float64               `json:"confidence_score"`
	Discrepancies   []compare.Discrepancy `json:"discrepancies,omitempty"`
	Issues          []validate.Issue      `json:"issues,omitempty"`
	SourceSwitch    *SourceSwitch         `json:"source_switch,omitempty"`
	Offline         bool                  `json:"offline"`
	Stale           bool                  `json:"stale,omitempty"`
}

// Result is a reconciled dataset plus its provenance.
type Result struct {
	Data     dataset.Value
	Metadata Metadata
}

// CandidateLister orders the sources to try for a category.
type CandidateLister interface {
	Candidates(category string) ([]catalog.Descriptor, error)
}

// Fetcher performs one source fetch.
type Fetcher interface {
	Fetch(ctx context.Context, desc catalog.Descriptor, category string, params map[string]string) (*fetch.Result, error)
}

// DataValidator checks one dataset against the category rules.
type DataValidator interface {
	Validate(category string, data dataset.Value, baseline *dataset.Value) validate.Outcome
}

// Differ finds disagreements between two datasets.
type Differ interface {
	Compare(a, b dataset.Value) []compare.Discrepancy
}

// CompromiseChecker reports whether a category is compromise-flagged.
type CompromiseChecker interface {
	IsCompromised(category string) bool
}

// MetricsRecorder receives reconcile telemetry; nil disables it.
type MetricsRecorder interface {
	RecordReconcile(ctx context.Context, category, outcome string, confidence float64, duration time.Duration)
}

const (
	// defaultFanout bounds concurrent fetches per wave.
	defaultFanout = 3

	// defaultMaxComparisons bounds how many secondary sources are
	// cross-checked against the primary.
	defaultMaxComparisons = 2

	// Confidence adjustments per compared pair.
	discrepancyPenaltyPer = 0.02
	discrepancyPenaltyCap = 0.3
	agreementBonus        = 0.05

	// offlineDiscount halves confidence for cache-served answers.
	offlineDiscount = 0.5
)

// Engine reconciles category requests.
type Engine struct {
	selector   CandidateLister
	fetcher    Fetcher
	validator  DataValidator
	comparator Differ
	compromise CompromiseChecker
	snapshots  store.Store
	metrics    MetricsRecorder
	logger     *slog.Logger

	fanout         int
	maxComparisons int
	maxAge         time.Duration
	now            func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithFanout sets how many sources are fetched concurrently per wave.
func WithFanout(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanout = n
		}
	}
}

// WithMaxComparisons bounds secondary cross-checks per request.
func WithMaxComparisons(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxComparisons = n
		}
	}
}

// WithMaxAge sets the freshness horizon used to mark cache-served
// answers stale.
func WithMaxAge(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxAge = d
		}
	}
}

// WithMetrics attaches a telemetry recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.With("component", "reconcile")
		}
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New wires the engine to its collaborators.
func New(sel CandidateLister, fetcher Fetcher, validator DataValidator, comparator Differ, compromise CompromiseChecker, snapshots store.Store, opts ...Option) *Engine {
	e := &Engine{
		selector:       sel,
		fetcher:        fetcher,
		validator:      validator,
		comparator:     comparator,
		compromise:     compromise,
		snapshots:      snapshots,
		logger:         slog.Default().With("component", "reconcile"),
		fanout:         defaultFanout,
		maxComparisons: defaultMaxComparisons,
		maxAge:         store.DefaultMaxAge,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetCategoryData answers one category request. The returned error is
// selector.ErrNoSourceAvailable when nothing serves the category,
// ErrValidationFailed when fetched data was rejected with no cache to
// fall back on, and ErrAllSourcesExhausted when every fetch failed
// and the cache is empty. A cache-served answer is success: err is
// nil and Metadata.Offline is true.
func (e *Engine) GetCategoryData(ctx context.Context, category string, params map[string]string) (*Result, error) {
	start := e.now()
	res, err := e.reconcile(ctx, category, params)
	if e.metrics != nil {
		outcome := "ok"
		confidence := 0.0
		switch {
		case err != nil:
			outcome = "error"
		case res.Metadata.Offline:
			outcome = "offline"
			confidence = res.Metadata.ConfidenceScore
		default:
			confidence = res.Metadata.ConfidenceScore
		}
		e.metrics.RecordReconcile(ctx, category, outcome, confidence, e.now().Sub(start))
	}
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, category string, params map[string]string) (*Result, error) {
	requestID := uuid.NewString()
	logger := e.logger.With("request_id", requestID, "category", category)

	candidates, err := e.selector.Candidates(category)
	if err != nil {
		return nil, err
	}

	baseline := e.baseline(ctx, category)

	// Waves advance until one yields a usable dataset. A payload the
	// validator rejects counts the same as a fetch failure here: it
	// does not stop later candidates from being tried.
	var valid []*fetch.Result
	var issues []validate.Issue
	anyFetched := false
	for offset := 0; offset < len(candidates) && len(valid) == 0; offset += e.fanout {
		wave := candidates[offset:min(offset+e.fanout, len(candidates))]
		for _, r := range e.fetchWave(ctx, logger, wave, category, params) {
			anyFetched = true
			outcome := e.validator.Validate(category, r.Payload, baseline)
			if outcome.Valid {
				valid = append(valid, r)
				continue
			}
			issues = append(issues, outcome.Issues...)
			logger.Warn("dataset rejected by validation",
				"source", r.SourceID, "issues", len(outcome.Issues))
		}
	}
	if len(valid) == 0 {
		fallbackErr := ErrAllSourcesExhausted
		if anyFetched {
			fallbackErr = ErrValidationFailed
		}
		return e.offline(ctx, logger, requestID, category, fallbackErr)
	}

	primary, secondaries := valid[0], e.secondaries(valid)

	confidence, discrepancies, disagreeing := e.score(primary, secondaries)

	var sourceSwitch *SourceSwitch
	if e.compromise.IsCompromised(category) &&
		primary.SourceKind == catalog.KindGovernment &&
		disagreeing >= 2 {
		if alt := bestAlternative(valid); alt != nil {
			sourceSwitch = &SourceSwitch{
				From:   primary.SourceID,
				To:     alt.SourceID,
				Reason: ReasonGovernmentConflict,
			}
			logger.Warn("primary replaced after cross-source conflict",
				"from", primary.SourceID, "to", alt.SourceID)
			primary = alt
			secondaries = othersOf(valid, alt, e.maxComparisons)
			confidence, discrepancies, _ = e.score(primary, secondaries)
		}
	}

	meta := Metadata{
		RequestID:       requestID,
		Category:        category,
		PrimarySource:   primary.SourceID,
		PrimaryKind:     primary.SourceKind,
		FetchedAt:       primary.FetchedAt,
		SourcesCompared: sourceIDs(primary, secondaries),
		ConfidenceScore: confidence,
		Discrepancies:   discrepancies,
		Issues:          issues,
		SourceSwitch:    sourceSwitch,
	}

	e.persist(ctx, logger, category, primary.Payload, meta)

	return &Result{Data: primary.Payload, Metadata: meta}, nil
}

// fetchWave fetches one wave of candidates concurrently, preserving
// candidate order in the returned successes.
func (e *Engine) fetchWave(ctx context.Context, logger *slog.Logger, wave []catalog.Descriptor, category string, params map[string]string) []*fetch.Result {
	results := make([]*fetch.Result, len(wave))

	var wg sync.WaitGroup
	for i, desc := range wave {
		wg.Add(1)
		go func(i int, desc catalog.Descriptor) {
			defer wg.Done()
			r, err := e.fetcher.Fetch(ctx, desc, category, params)
			if err != nil {
				logger.Debug("source failed", "source", desc.ID, "error", err)
				return
			}
			results[i] = r
		}(i, desc)
	}
	wg.Wait()

	var successes []*fetch.Result
	for _, r := range results {
		if r != nil {
			successes = append(successes, r)
		}
	}
	return successes
}

func (e *Engine) secondaries(valid []*fetch.Result) []*fetch.Result {
	rest := valid[1:]
	if len(rest) > e.maxComparisons {
		rest = rest[:e.maxComparisons]
	}
	return rest
}

// score starts from the primary's reliability and adjusts it per
// compared pair: a clean pair earns a small bonus, a discrepant pair
// costs up to a capped penalty proportional to how much disagreed.
func (e *Engine) score(primary *fetch.Result, secondaries []*fetch.Result) (float64, []compare.Discrepancy, int) {
	confidence := primary.Reliability
	var all []compare.Discrepancy
	disagreeing := 0

	for _, sec := range secondaries {
		found := e.comparator.Compare(primary.Payload, sec.Payload)
		if len(found) == 0 {
			confidence += agreementBonus
			continue
		}
		disagreeing++
		confidence -= math.Min(discrepancyPenaltyCap, float64(len(found))*discrepancyPenaltyPer)
		all = append(all, found...)
	}

	return clamp01(confidence), all, disagreeing
}

// offline serves the last snapshot regardless of age, at halved
// confidence. fallbackErr is what the caller gets when the cache is
// empty too.
func (e *Engine) offline(ctx context.Context, logger *slog.Logger, requestID, category string, fallbackErr error) (*Result, error) {
	snap, err := e.snapshots.Get(ctx, category, true)
	if err != nil {
		return nil, fmt.Errorf("%w: category %q", fallbackErr, category)
	}

	data, err := dataset.Decode(snap.Payload)
	if err != nil {
		logger.Error("cached snapshot undecodable", "error", err)
		return nil, fmt.Errorf("%w: category %q", fallbackErr, category)
	}

	var prior Metadata
	if len(snap.Metadata) > 0 {
		_ = json.Unmarshal(snap.Metadata, &prior)
	}
	baseConfidence := prior.ConfidenceScore
	if baseConfidence == 0 {
		baseConfidence = offlineDiscount
	}

	meta := Metadata{
		RequestID:       requestID,
		Category:        category,
		PrimarySource:   prior.PrimarySource,
		PrimaryKind:     prior.PrimaryKind,
		FetchedAt:       snap.StoredAt,
		ConfidenceScore: clamp01(baseConfidence * offlineDiscount),
		Offline:         true,
		Stale:           e.now().Sub(snap.StoredAt) > e.maxAge,
	}

	logger.Warn("serving cached snapshot",
		"stored_at", snap.StoredAt, "stale", meta.Stale)

	return &Result{Data: data, Metadata: meta}, nil
}

// persist writes the answer through to the snapshot store.
// Best-effort: a cache write failure never fails the request.
func (e *Engine) persist(ctx context.Context, logger *slog.Logger, category string, data dataset.Value, meta Metadata) {
	payload, err := data.Marshal()
	if err != nil {
		logger.Warn("snapshot encode failed", "error", err)
		return
	}
	metaBlob, err := json.Marshal(meta)
	if err != nil {
		logger.Warn("snapshot metadata encode failed", "error", err)
		return
	}
	if err := e.snapshots.Put(ctx, store.Snapshot{
		Category: category,
		Payload:  payload,
		Metadata: metaBlob,
	}); err != nil {
		logger.Warn("snapshot write failed", "error", err)
	}
}

// bestAlternative picks the most reliable alternative-kind result.
func bestAlternative(results []*fetch.Result) *fetch.Result {
	var best *fetch.Result
	for _, r := range results {
		if r.SourceKind != catalog.KindAlternative {
			continue
		}
		if best == nil || r.Reliability > best.Reliability {
			best = r
		}
	}
	return best
}

func othersOf(results []*fetch.Result, primary *fetch.Result, limit int) []*fetch.Result {
	var out []*fetch.Result
	for _, r := range results {
		if r == primary {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func sourceIDs(primary *fetch.Result, secondaries []*fetch.Result) []string {
	ids := []string{primary.SourceID}
	for _, s := range secondaries {
		ids = append(ids, s.SourceID)
	}
	return ids
}

// baseline returns the cached dataset for drift checks, if any.
func (e *Engine) baseline(ctx context.Context, category string) *dataset.Value {
	snap, err := e.snapshots.Get(ctx, category, true)
	if err != nil {
		return nil
	}
	v, err := dataset.Decode(snap.Payload)
	if err != nil {
		return nil
	}
	return &v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
