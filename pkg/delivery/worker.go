// Package delivery drains the outbox-fed delivery queue. Claimed
// deliveries are grouped by scope key; each group runs sequentially to
// preserve per-scope order while groups run in parallel up to the
// configured concurrency. Dispatch is at-least-once: receivers dedupe on
// the x-proxy-dedupe-key header.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nooterra/proxy/pkg/config"
	"github.com/nooterra/proxy/pkg/log"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/secrets"
	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/types"
)

// DestinationResolver looks up a delivery target.
type DestinationResolver interface {
	Destination(tenantID, destinationID string) (*types.Destination, error)
}

// ArtifactResolver looks up the signed payload for a delivery.
type ArtifactResolver interface {
	Artifact(tenantID, artifactID, hash string) (*types.Artifact, error)
}

// TickResult summarizes one delivery pass.
type TickResult struct {
	Claimed   int `json:"claimed"`
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	DLQ       int `json:"dlq"`
}

// Worker runs delivery attempts against a queue backend.
type Worker struct {
	backend      store.Backend
	destinations DestinationResolver
	artifacts    ArtifactResolver
	secrets      secrets.Provider
	cfg          config.DeliveryConfig
	client       *http.Client

	mu  sync.Mutex
	rng *rand.Rand

	now func() time.Time
}

// NewWorker builds a worker. The HTTP client timeout follows
// cfg.HTTPTimeout; zero means no timeout.
func NewWorker(backend store.Backend, destinations DestinationResolver, artifacts ArtifactResolver, sp secrets.Provider, cfg config.DeliveryConfig) *Worker {
	return &Worker{
		backend:      backend,
		destinations: destinations,
		artifacts:    artifacts,
		secrets:      sp,
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.HTTPTimeout()},
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
}

// TickDeliveries claims up to maxMessages due deliveries and runs the
// attempt engine over them. tenantID may be empty to span tenants.
func (w *Worker) TickDeliveries(ctx context.Context, tenantID string, maxMessages int) (*TickResult, error) {
	if maxMessages < 1 {
		return nil, types.Validationf("maxMessages must be a positive integer, got %d", maxMessages)
	}
	claimed, err := w.backend.ClaimDueDeliveries(ctx, tenantID, maxMessages, store.DeliveryWorkerName, w.now())
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	res := &TickResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return res, nil
	}

	// Group by scope key, preserving claim order within each group.
	groupIdx := make(map[string]int)
	var groups [][]types.Delivery
	for _, d := range claimed {
		i, ok := groupIdx[d.TenantID+"\x00"+d.ScopeKey]
		if !ok {
			i = len(groups)
			groupIdx[d.TenantID+"\x00"+d.ScopeKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}

	concurrency := w.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > config.MaxDeliveryConcurrency {
		concurrency = config.MaxDeliveryConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []types.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			for i := range group {
				state := w.attemptOne(ctx, &group[i])
				mu.Lock()
				res.Attempted++
				switch state {
				case types.DeliveryDelivered:
					res.Delivered++
				case types.DeliveryFailed:
					res.DLQ++
				default:
					res.Retried++
				}
				mu.Unlock()
				if state != types.DeliveryDelivered {
					// Later deliveries in the scope wait for the retry.
					w.releaseUnattempted(ctx, group[i+1:])
					break
				}
			}
		}(group)
	}
	wg.Wait()
	return res, nil
}

// releaseUnattempted frees the leases of group members claimed but never
// attempted, so the next tick can pick them up as soon as the blocking
// delivery clears.
func (w *Worker) releaseUnattempted(ctx context.Context, rest []types.Delivery) {
	if len(rest) == 0 {
		return
	}
	refs := make([]store.DeliveryRef, 0, len(rest))
	for _, d := range rest {
		refs = append(refs, store.DeliveryRef{TenantID: d.TenantID, DeliveryID: d.DeliveryID})
	}
	if err := w.backend.ReleaseDeliveryClaims(ctx, refs); err != nil {
		log.Errorf("failed to release delivery claims", err)
	}
}

// attemptOne runs a single dispatch attempt and records the outcome.
// Returns the resulting state.
func (w *Worker) attemptOne(ctx context.Context, d *types.Delivery) types.DeliveryState {
	attempts := d.Attempts + 1
	out := w.dispatch(ctx, d)
	metrics.DeliveryAttemptTotal.WithLabelValues(out.destinationType).Inc()

	logger := log.WithDeliveryID(d.DeliveryID).With().
		Str("tenant_id", d.TenantID).
		Str("destination_id", d.DestinationID).
		Int("attempt", attempts).Logger()

	upd := store.DeliveryAttempt{
		TenantID:   d.TenantID,
		DeliveryID: d.DeliveryID,
		Attempts:   attempts,
		LastStatus: out.status,
	}
	now := w.now()

	switch {
	case out.ok:
		upd.State = types.DeliveryDelivered
		upd.DeliveredAt = types.FormatTimestamp(now)
		upd.ExpiresAt = w.retentionFor(now, types.DeliveryDelivered)
		metrics.DeliverySuccessTotal.WithLabelValues(out.destinationType).Inc()
		logger.Debug().Int("status", out.status).Msg("delivery succeeded")
	case attempts >= w.cfg.MaxAttempts:
		upd.State = types.DeliveryFailed
		upd.LastError = out.errorString()
		upd.ExpiresAt = w.retentionFor(now, types.DeliveryFailed)
		metrics.DeliveryFailTotal.WithLabelValues(out.destinationType).Inc()
		metrics.DeliveryDLQTotal.WithLabelValues(out.destinationType).Inc()
		logger.Warn().Str("failure_reason", out.failureReason).Msg("delivery moved to DLQ")
	default:
		upd.State = types.DeliveryPending
		upd.LastError = out.errorString()
		upd.NextAttemptAt = types.FormatTimestamp(now.Add(w.backoff(attempts)))
		upd.ClearClaim = true
		metrics.DeliveryFailTotal.WithLabelValues(out.destinationType).Inc()
		logger.Debug().Str("failure_reason", out.failureReason).
			Str("next_attempt_at", upd.NextAttemptAt).Msg("delivery scheduled for retry")
	}

	if err := w.backend.UpdateDeliveryAttempt(ctx, upd); err != nil {
		log.Errorf("failed to record delivery attempt", err)
		return types.DeliveryPending
	}
	return upd.State
}

// outcome carries one attempt's classification.
type outcome struct {
	ok              bool
	status          int
	failureReason   string
	err             error
	destinationType string
}

func (o outcome) errorString() string {
	if o.err != nil {
		return o.failureReason + ": " + o.err.Error()
	}
	return o.failureReason
}

func (w *Worker) dispatch(ctx context.Context, d *types.Delivery) outcome {
	dest, err := w.destinations.Destination(d.TenantID, d.DestinationID)
	if err != nil || dest == nil {
		return outcome{failureReason: "unknown_destination", err: err, destinationType: "unknown"}
	}
	art, err := w.artifacts.Artifact(d.TenantID, d.ArtifactID, d.ArtifactHash)
	if err != nil || art == nil {
		return outcome{failureReason: "missing_artifact", err: err, destinationType: string(dest.Type)}
	}
	switch dest.Type {
	case types.DestinationWebhook:
		return w.attemptWebhook(ctx, d, dest, art)
	case types.DestinationS3:
		return w.attemptS3(ctx, d, dest, art)
	default:
		return outcome{
			failureReason:   "exception",
			err:             fmt.Errorf("unsupported destination type %q", dest.Type),
			destinationType: string(dest.Type),
		}
	}
}

// resolveSecret returns the inline secret or resolves the ref through the
// provider, classifying resolution failures.
func (w *Worker) resolveSecret(inline, ref string) (string, string, error) {
	if inline != "" {
		return inline, "", nil
	}
	if ref == "" {
		return "", "secret_ref_invalid", errors.New("destination has neither secret nor secretRef")
	}
	if w.secrets == nil {
		return "", "secret_provider_unavailable", errors.New("no secrets provider configured")
	}
	v, err := w.secrets.Resolve(ref)
	if err != nil {
		return "", classifySecretError(err), err
	}
	return v, "", nil
}

func classifySecretError(err error) string {
	switch {
	case errors.Is(err, secrets.ErrInvalidRef):
		return "secret_ref_invalid"
	case errors.Is(err, secrets.ErrForbidden):
		return "secret_provider_forbidden"
	case errors.Is(err, secrets.ErrUnavailable):
		return "secret_provider_unavailable"
	case errors.Is(err, secrets.ErrNotFound):
		return "secret_not_found"
	case errors.Is(err, secrets.ErrReadFailed):
		return "secret_read_failed"
	default:
		return "secret_error"
	}
}

// classifyTransport maps a transport error to timeout or network_error.
func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "network_error"
}

// backoff computes the retry delay for the given attempt count:
// clamp(base * 2^min(16, attempts), base, max) scaled by a uniform
// jitter in [0.8, 1.2].
func (w *Worker) backoff(attempts int) time.Duration {
	base := w.cfg.BackoffBaseMS
	if base < 1 {
		base = 1000
	}
	max := w.cfg.BackoffMaxMS
	if max < base {
		max = base
	}
	shift := attempts
	if shift > 16 {
		shift = 16
	}
	delay := base << uint(shift)
	if delay < base {
		delay = base
	}
	if delay > max {
		delay = max
	}
	w.mu.Lock()
	jitter := 0.8 + 0.4*w.rng.Float64()
	w.mu.Unlock()
	return time.Duration(float64(delay)*jitter) * time.Millisecond
}

// retentionFor computes the expiry timestamp for a terminal state. Zero
// configured days means no cap.
func (w *Worker) retentionFor(now time.Time, state types.DeliveryState) string {
	days := w.cfg.RetentionDays
	if state == types.DeliveryFailed {
		days = w.cfg.RetentionDLQDays
	}
	if days <= 0 {
		return ""
	}
	return types.FormatTimestamp(now.Add(time.Duration(days) * 24 * time.Hour))
}
