package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/compare"
	"github.com/healthsignal/sentinel/pkg/dataset"
	"github.com/healthsignal/sentinel/pkg/fetch"
	"github.com/healthsignal/sentinel/pkg/selector"
	"github.com/healthsignal/sentinel/pkg/store"
	"github.com/healthsignal/sentinel/pkg/validate"
)

type fakeSelector struct {
	candidates []catalog.Descriptor
	err        error
}

func (f *fakeSelector) Candidates(string) ([]catalog.Descriptor, error) {
	return f.candidates, f.err
}

type fetchReply struct {
	res *fetch.Result
	err error
}

type fakeFetcher struct {
	mu      sync.Mutex
	replies map[string]fetchReply
	calls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, desc catalog.Descriptor, _ string, _ map[string]string) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc.ID)
	f.mu.Unlock()
	r, ok := f.replies[desc.ID]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindUnreachable, SourceID: desc.ID, Err: errors.New("no reply configured")}
	}
	return r.res, r.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeValidator struct {
	outcomes []validate.Outcome
	calls    int
}

func (f *fakeValidator) Validate(string, dataset.Value, *dataset.Value) validate.Outcome {
	if f.calls < len(f.outcomes) {
		o := f.outcomes[f.calls]
		f.calls++
		return o
	}
	f.calls++
	return validate.Outcome{Valid: true}
}

type fakeCompromise struct{ flagged bool }

func (f *fakeCompromise) IsCompromised(string) bool { return f.flagged }

func mustDecode(t *testing.T, raw string) dataset.Value {
	t.Helper()
	v, err := dataset.Decode([]byte(raw))
	require.NoError(t, err)
	return v
}

func desc(id string, kind catalog.Kind, reliability float64) catalog.Descriptor {
	return catalog.Descriptor{
		ID:          id,
		BaseURL:     "https://" + id + ".example",
		Kind:        kind,
		AuthMode:    catalog.AuthNone,
		Reliability: reliability,
	}
}

func fetched(t *testing.T, id string, kind catalog.Kind, reliability float64, raw string) *fetch.Result {
	t.Helper()
	return &fetch.Result{
		SourceID:          id,
		SourceKind:        kind,
		Payload:           mustDecode(t, raw),
		FetchedAt:         time.Now().UTC(),
		Reliability:       reliability,
		IntegrityVerified: true,
	}
}

func failure(id string) fetchReply {
	return fetchReply{err: &fetch.Error{Kind: fetch.KindUnreachable, SourceID: id, Err: errors.New("down")}}
}

func newEngine(sel CandidateLister, f Fetcher, v DataValidator, comp CompromiseChecker, snaps store.Store, opts ...Option) *Engine {
	return New(sel, f, v, compare.New(), comp, snaps, opts...)
}

func TestSingleSourceHappyPath(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main": {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.95, `[{"region": "NE", "rate": 71.2}]`)},
	}}
	snaps := store.NewMemoryStore()

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, snaps)
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	assert.Equal(t, "cdc-main", res.Metadata.PrimarySource)
	assert.Equal(t, 0.95, res.Metadata.ConfidenceScore, "no comparisons, confidence is plain reliability")
	assert.Equal(t, []string{"cdc-main"}, res.Metadata.SourcesCompared)
	assert.False(t, res.Metadata.Offline)
	assert.NotEmpty(t, res.Metadata.RequestID)
	assert.Equal(t, 1, res.Data.Len())

	snap, err := snaps.Get(context.Background(), "vaccination", false)
	require.NoError(t, err, "answers are written through to the cache")
	assert.JSONEq(t, `[{"region": "NE", "rate": 71.2}]`, string(snap.Payload))
}

func TestAgreementRaisesConfidence(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("cdc-main", catalog.KindGovernment, 0.9),
		desc("state-api", catalog.KindGovernment, 0.85),
	}}
	raw := `[{"region": "NE", "rate": 71.2}]`
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main":  {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.9, raw)},
		"state-api": {res: fetched(t, "state-api", catalog.KindGovernment, 0.85, raw)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.95, res.Metadata.ConfidenceScore, 1e-9, "agreeing pair adds the bonus")
	assert.Empty(t, res.Metadata.Discrepancies)
	assert.Equal(t, []string{"cdc-main", "state-api"}, res.Metadata.SourcesCompared)
}

func TestDiscrepanciesLowerConfidence(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("cdc-main", catalog.KindGovernment, 0.9),
		desc("state-api", catalog.KindGovernment, 0.85),
	}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main":  {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.9, `[{"rate": 100.0}]`)},
		"state-api": {res: fetched(t, "state-api", catalog.KindGovernment, 0.85, `[{"rate": 80.0}]`)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	require.Len(t, res.Metadata.Discrepancies, 1)
	d := res.Metadata.Discrepancies[0]
	assert.Equal(t, compare.KindValue, d.Kind)
	assert.InDelta(t, 20.0, d.PercentDiff, 1e-9)
	assert.InDelta(t, 0.88, res.Metadata.ConfidenceScore, 1e-9, "one discrepancy costs its per-item penalty")
}

func TestTrustReversalOnCompromisedCategory(t *testing.T) {
	// Government primary with both alternative sources disagreeing:
	// the answer must switch to alternative data.
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("cdc-main", catalog.KindGovernment, 0.66),
		desc("community-net", catalog.KindAlternative, 0.8),
		desc("academic-pool", catalog.KindAlternative, 0.75),
	}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main":      {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.66, `[{"wellbeingScore": 97.0}]`)},
		"community-net": {res: fetched(t, "community-net", catalog.KindAlternative, 0.8, `[{"wellbeingScore": 62.0}]`)},
		"academic-pool": {res: fetched(t, "academic-pool", catalog.KindAlternative, 0.75, `[{"wellbeingScore": 64.0}]`)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{flagged: true}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "lgbtq-health", nil)
	require.NoError(t, err)

	require.NotNil(t, res.Metadata.SourceSwitch)
	assert.Equal(t, "cdc-main", res.Metadata.SourceSwitch.From)
	assert.Equal(t, "community-net", res.Metadata.SourceSwitch.To)
	assert.Equal(t, ReasonGovernmentConflict, res.Metadata.SourceSwitch.Reason)
	assert.Equal(t, "community-net", res.Metadata.PrimarySource)
	assert.Equal(t, catalog.KindAlternative, res.Metadata.PrimaryKind)

	rows := res.Data.Rows()
	require.Len(t, rows, 1)
	v, ok := rows[0].Float("wellbeingScore")
	require.True(t, ok)
	assert.Equal(t, 62.0, v, "answer carries the alternative dataset")
	assert.Less(t, res.Metadata.ConfidenceScore, 0.8,
		"disagreement leaves confidence below the new primary's reliability")
}

func TestNoReversalWhenCategoryNotFlagged(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("cdc-main", catalog.KindGovernment, 0.9),
		desc("community-net", catalog.KindAlternative, 0.8),
		desc("academic-pool", catalog.KindAlternative, 0.75),
	}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main":      {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.9, `[{"rate": 97.0}]`)},
		"community-net": {res: fetched(t, "community-net", catalog.KindAlternative, 0.8, `[{"rate": 62.0}]`)},
		"academic-pool": {res: fetched(t, "academic-pool", catalog.KindAlternative, 0.75, `[{"rate": 64.0}]`)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	assert.Nil(t, res.Metadata.SourceSwitch)
	assert.Equal(t, "cdc-main", res.Metadata.PrimarySource)
	assert.NotEmpty(t, res.Metadata.Discrepancies, "disagreement is still reported")
}

func TestOfflineFallback(t *testing.T) {
	snaps := store.NewMemoryStore()
	require.NoError(t, snaps.Put(context.Background(), store.Snapshot{
		Category: "vaccination",
		Payload:  []byte(`[{"region": "NE", "rate": 71.2}]`),
		Metadata: []byte(`{"confidence_score": 0.8, "primary_source": "cdc-main"}`),
	}))

	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{"cdc-main": failure("cdc-main")}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, snaps)
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err, "a cache-served answer is a success")

	assert.True(t, res.Metadata.Offline)
	assert.InDelta(t, 0.4, res.Metadata.ConfidenceScore, 1e-9, "cached confidence is halved")
	assert.Equal(t, "cdc-main", res.Metadata.PrimarySource, "provenance survives the cache round trip")
	assert.Equal(t, 1, res.Data.Len())
}

func TestOfflineFallbackMarksStale(t *testing.T) {
	now := time.Now().UTC()
	snaps := store.NewMemoryStore().WithClock(func() time.Time { return now.Add(-48 * time.Hour) })
	require.NoError(t, snaps.Put(context.Background(), store.Snapshot{
		Category: "vaccination",
		Payload:  []byte(`[{"rate": 1}]`),
	}))

	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{"cdc-main": failure("cdc-main")}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, snaps,
		WithClock(func() time.Time { return now }))
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Stale)
}

func TestAllSourcesExhausted(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{"cdc-main": failure("cdc-main")}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	_, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	assert.ErrorIs(t, err, ErrAllSourcesExhausted)
}

func TestNoSourceAvailablePropagates(t *testing.T) {
	sel := &fakeSelector{err: selector.ErrNoSourceAvailable}
	e := newEngine(sel, &fakeFetcher{}, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	_, err := e.GetCategoryData(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, selector.ErrNoSourceAvailable)
}

func TestValidationFailureFallsBackThenErrors(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main": {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.95, `[{"rate": -4}]`)},
	}}
	rejecting := &fakeValidator{outcomes: []validate.Outcome{{
		Valid:  false,
		Issues: []validate.Issue{{Type: "out_of_range", Severity: validate.SeverityHigh, Field: "rate"}},
	}}}

	e := newEngine(sel, fetcher, rejecting, &fakeCompromise{}, store.NewMemoryStore())
	_, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	assert.ErrorIs(t, err, ErrValidationFailed, "empty cache leaves nothing to serve")
}

func TestValidationFailureServedFromCache(t *testing.T) {
	snaps := store.NewMemoryStore()
	require.NoError(t, snaps.Put(context.Background(), store.Snapshot{
		Category: "vaccination",
		Payload:  []byte(`[{"rate": 70}]`),
	}))

	sel := &fakeSelector{candidates: []catalog.Descriptor{desc("cdc-main", catalog.KindGovernment, 0.95)}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main": {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.95, `[{"rate": -4}]`)},
	}}
	rejecting := &fakeValidator{outcomes: []validate.Outcome{{Valid: false}}}

	e := newEngine(sel, fetcher, rejecting, &fakeCompromise{}, snaps)
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Offline)
}

func TestFanOutStopsAfterFirstSuccessfulWave(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("a", catalog.KindGovernment, 0.9),
		desc("b", catalog.KindGovernment, 0.8),
		desc("c", catalog.KindAlternative, 0.7),
		desc("d", catalog.KindAlternative, 0.6),
	}}
	raw := `[{"rate": 1}]`
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"a": {res: fetched(t, "a", catalog.KindGovernment, 0.9, raw)},
		"b": failure("b"),
		"c": failure("c"),
		"d": {res: fetched(t, "d", catalog.KindAlternative, 0.6, raw)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	_, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.callCount(), "second wave never launched")
}

func TestSecondWaveRunsWhenFirstFails(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("a", catalog.KindGovernment, 0.9),
		desc("b", catalog.KindGovernment, 0.8),
		desc("c", catalog.KindAlternative, 0.7),
		desc("d", catalog.KindAlternative, 0.6),
	}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"a": failure("a"),
		"b": failure("b"),
		"c": failure("c"),
		"d": {res: fetched(t, "d", catalog.KindAlternative, 0.6, `[{"rate": 1}]`)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)
	assert.Equal(t, "d", res.Metadata.PrimarySource)
	assert.Equal(t, 4, fetcher.callCount())
}

func TestRejectedWaveResumesWithLaterCandidates(t *testing.T) {
	// Every source in the first wave answers but fails validation; the
	// engine must keep trying later candidates instead of giving up.
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("a", catalog.KindGovernment, 0.9),
		desc("b", catalog.KindGovernment, 0.8),
		desc("c", catalog.KindAlternative, 0.7),
		desc("d", catalog.KindAlternative, 0.6),
	}}
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"a": {res: fetched(t, "a", catalog.KindGovernment, 0.9, `[{"rate": -1}]`)},
		"b": {res: fetched(t, "b", catalog.KindGovernment, 0.8, `[{"rate": -2}]`)},
		"c": {res: fetched(t, "c", catalog.KindAlternative, 0.7, `[{"rate": -3}]`)},
		"d": {res: fetched(t, "d", catalog.KindAlternative, 0.6, `[{"rate": 71.2}]`)},
	}}
	rejected := validate.Outcome{
		Valid:  false,
		Issues: []validate.Issue{{Type: "out_of_range", Severity: validate.SeverityHigh, Field: "rate"}},
	}
	rejecting := &fakeValidator{outcomes: []validate.Outcome{rejected, rejected, rejected}}

	e := newEngine(sel, fetcher, rejecting, &fakeCompromise{}, store.NewMemoryStore())
	res, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	assert.Equal(t, "d", res.Metadata.PrimarySource)
	assert.False(t, res.Metadata.Offline)
	assert.Equal(t, 4, fetcher.callCount(), "second wave launched after the first was rejected")
	assert.Len(t, res.Metadata.Issues, 3, "rejections stay on the provenance trail")
}

func TestRepeatedRequestsAreStable(t *testing.T) {
	sel := &fakeSelector{candidates: []catalog.Descriptor{
		desc("cdc-main", catalog.KindGovernment, 0.9),
		desc("state-api", catalog.KindGovernment, 0.85),
	}}
	raw := `[{"rate": 71.2}]`
	fetcher := &fakeFetcher{replies: map[string]fetchReply{
		"cdc-main":  {res: fetched(t, "cdc-main", catalog.KindGovernment, 0.9, raw)},
		"state-api": {res: fetched(t, "state-api", catalog.KindGovernment, 0.85, raw)},
	}}

	e := newEngine(sel, fetcher, &fakeValidator{}, &fakeCompromise{}, store.NewMemoryStore())

	first, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)
	second, err := e.GetCategoryData(context.Background(), "vaccination", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Metadata.PrimarySource, second.Metadata.PrimarySource)
	assert.Equal(t, first.Metadata.ConfidenceScore, second.Metadata.ConfidenceScore)
	assert.NotEqual(t, first.Metadata.RequestID, second.Metadata.RequestID)
}
