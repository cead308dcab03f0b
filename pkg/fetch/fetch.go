// Package fetch orchestrates one authenticated request against one
// source: credential resolution, rate limiting, the transport call
// with its timeout, response classification, and the health-tracker
// bookkeeping that every attempt must perform exactly once.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/healthsignal/sentinel/pkg/auth"
	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/dataset"
	"github.com/healthsignal/sentinel/pkg/transport"
	"github.com/healthsignal/sentinel/pkg/validate"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindUnauthorized Kind = "unauthorized"
	KindUnreachable  Kind = "unreachable"
	KindBadResponse  Kind = "bad_response"
	KindAuthFailed   Kind = "authentication_failed"
)

// Error is a typed fetch failure for one source.
type Error struct {
	Kind     Kind
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is one successfully fetched dataset, consumed immediately
// by validation and comparison.
type Result struct {
	SourceID          string
	SourceKind        catalog.Kind
	Category          string
	Payload           dataset.Value
	Raw               []byte
	FetchedAt         time.Time
	Reliability       float64
	IntegrityVerified bool
}

// CredentialProvider resolves per-source credentials. Invalidate
// drops any cached credential so the next GetCredential starts fresh.
type CredentialProvider interface {
	GetCredential(ctx context.Context, sourceID string) (auth.Credential, error)
	Invalidate(sourceID string)
}

// HealthRecorder receives the outcome of every attempt.
type HealthRecorder interface {
	RecordSuccess(sourceID string, integrityVerified bool)
	RecordFailure(sourceID string)
}

// StructuralChecker is the validator capability used for the
// integrity flag.
type StructuralChecker interface {
	Structural(category string, data dataset.Value) validate.Outcome
}

// MetricsRecorder receives fetch telemetry; a nil recorder disables it.
type MetricsRecorder interface {
	RecordFetch(ctx context.Context, sourceID string, failureKind string, duration time.Duration)
}

const (
	defaultTimeout = 12 * time.Second

	// Per-source politeness limit on outbound requests.
	defaultSourceRPS   = 5
	defaultSourceBurst = 10
)

// Orchestrator performs fetches for the reconciliation engine.
type Orchestrator struct {
	creds     CredentialProvider
	transport transport.Doer
	health    HealthRecorder
	validator StructuralChecker
	metrics   MetricsRecorder
	logger    *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSourceRate overrides the per-source request rate.
func WithSourceRate(rps float64, burst int) Option {
	return func(o *Orchestrator) {
		o.rps = rate.Limit(rps)
		o.burst = burst
	}
}

// WithMetrics attaches a telemetry recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New wires the orchestrator to its collaborators.
func New(creds CredentialProvider, doer transport.Doer, health HealthRecorder, validator StructuralChecker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		creds:     creds,
		transport: doer,
		health:    health,
		validator: validator,
		logger:    slog.Default().With("component", "fetch"),
		timeout:   defaultTimeout,
		limiters:  make(map[string]*rate.Limiter),
		rps:       defaultSourceRPS,
		burst:     defaultSourceBurst,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fetch performs one attempt against one source for a category.
// Every call updates exactly one health entry: RecordSuccess on a
// decoded 2xx, RecordFailure on everything else.
func (o *Orchestrator) Fetch(ctx context.Context, desc catalog.Descriptor, category string, params map[string]string) (*Result, error) {
	start := time.Now()
	res, err := o.fetch(ctx, desc, category, params)
	if o.metrics != nil {
		kind := ""
		var fe *Error
		if errors.As(err, &fe) {
			kind = string(fe.Kind)
		}
		o.metrics.RecordFetch(ctx, desc.ID, kind, time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) fetch(ctx context.Context, desc catalog.Descriptor, category string, params map[string]string) (*Result, error) {
	if err := o.limiter(desc.ID).Wait(ctx); err != nil {
		return nil, o.fail(desc.ID, KindTimeout, err)
	}

	headers := map[string]string{}
	if desc.RequiresAuth && desc.AuthMode != catalog.AuthNone {
		cred, err := o.creds.GetCredential(ctx, desc.ID)
		if err != nil {
			return nil, o.fail(desc.ID, KindAuthFailed, err)
		}
		switch cred.Scheme {
		case auth.SchemeAPIKey:
			headers["X-Api-Key"] = cred.Value
		case auth.SchemeBearer:
			headers["Authorization"] = "Bearer " + cred.Value
		}
	}

	resp, err := o.transport.Do(ctx, transport.Request{
		BaseURL: desc.BaseURL,
		Path:    "/data/" + category,
		Params:  params,
		Headers: headers,
		Timeout: o.timeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, o.fail(desc.ID, KindTimeout, err)
		}
		return nil, o.fail(desc.ID, KindUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if desc.RequiresAuth && desc.AuthMode != catalog.AuthNone {
			// The source rejected a credential that looked valid;
			// drop it so the next attempt exchanges a fresh one.
			o.creds.Invalidate(desc.ID)
		}
		return nil, o.fail(desc.ID, KindUnauthorized, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, o.fail(desc.ID, KindBadResponse, fmt.Errorf("status %d", resp.StatusCode))
	}

	payload, err := dataset.Decode(resp.Body)
	if err != nil {
		return nil, o.fail(desc.ID, KindBadResponse, err)
	}

	// The compromise heuristic only applies to government sources;
	// alternative sources are the trust anchor for flagged
	// categories and are not integrity-checked against it.
	integrity := true
	if desc.Kind == catalog.KindGovernment {
		integrity = o.validator.Structural(category, payload).Valid
	}

	o.health.RecordSuccess(desc.ID, integrity)

	return &Result{
		SourceID:          desc.ID,
		SourceKind:        desc.Kind,
		Category:          category,
		Payload:           payload,
		Raw:               resp.Body,
		FetchedAt:         time.Now().UTC(),
		Reliability:       desc.Reliability,
		IntegrityVerified: integrity,
	}, nil
}

func (o *Orchestrator) fail(sourceID string, kind Kind, err error) error {
	o.health.RecordFailure(sourceID)
	o.logger.Debug("fetch failed", "source", sourceID, "kind", string(kind), "error", err)
	return &Error{Kind: kind, SourceID: sourceID, Err: err}
}

func (o *Orchestrator) limiter(sourceID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(o.rps, o.burst)
		o.limiters[sourceID] = l
	}
	return l
}
