package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/proxy/pkg/config"
	"github.com/nooterra/proxy/pkg/failpoint"
	"github.com/nooterra/proxy/pkg/secrets"
	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResolvers struct {
	dests map[string]*types.Destination
	arts  map[string]*types.Artifact
}

func (f *fakeResolvers) Destination(tenantID, destinationID string) (*types.Destination, error) {
	d, ok := f.dests[destinationID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "destination not found", 404)
	}
	return d, nil
}

func (f *fakeResolvers) Artifact(tenantID, artifactID, hash string) (*types.Artifact, error) {
	a, ok := f.arts[artifactID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "artifact not found", 404)
	}
	return a, nil
}

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		HTTPTimeoutMS:    5_000,
		Concurrency:      4,
		MaxAttempts:      5,
		BackoffBaseMS:    1_000,
		BackoffMaxMS:     60_000,
		RetentionDays:    7,
		RetentionDLQDays: 14,
	}
}

func seedDelivery(m *store.Memory, id, scope string, seq int64, due time.Time) {
	m.PutDelivery(types.Delivery{
		TenantID:      "t1",
		DeliveryID:    id,
		ScopeKey:      scope,
		OrderSeq:      seq,
		OrderKey:      types.MakeOrderKey(scope, seq, 0, id),
		DedupeKey:     "dk-" + id,
		DestinationID: "hook",
		ArtifactID:    "art-1",
		ArtifactHash:  "h1",
		ArtifactType:  "receipt",
		State:         types.DeliveryPending,
		NextAttemptAt: types.FormatTimestamp(due),
		CreatedAt:     types.FormatTimestamp(due),
	})
}

func newTestWorker(m *store.Memory, url string) *Worker {
	res := &fakeResolvers{
		dests: map[string]*types.Destination{
			"hook": {DestinationID: "hook", Type: types.DestinationWebhook, URL: url, Secret: "shh"},
		},
		arts: map[string]*types.Artifact{
			"art-1": {ID: "art-1", Hash: "h1", Type: "receipt", Canonical: []byte(`{"amount":100,"id":"art-1"}`)},
		},
	}
	w := NewWorker(m, res, res, secrets.NewStatic(nil), testConfig())
	w.now = func() time.Time { return t0 }
	return w
}

func TestWebhookRetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	w := newTestWorker(m, srv.URL)

	res, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Retried)

	d, ok := m.GetDelivery("t1", "dl-1")
	require.True(t, ok)
	assert.Equal(t, types.DeliveryPending, d.State)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, 500, d.LastStatus)
	assert.Contains(t, d.LastError, "non_2xx")

	next, err := types.ParseTimestamp(d.NextAttemptAt)
	require.NoError(t, err)
	delay := next.Sub(t0)
	assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)

	// Advance past the retry time; the second attempt succeeds.
	w.now = func() time.Time { return t0.Add(5 * time.Second) }
	res, err = w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	d, ok = m.GetDelivery("t1", "dl-1")
	require.True(t, ok)
	assert.Equal(t, types.DeliveryDelivered, d.State)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, 200, d.LastStatus)
	assert.Empty(t, d.LastError)
	assert.NotEmpty(t, d.DeliveredAt)
	assert.NotEmpty(t, d.ExpiresAt)
}

func TestWebhookDLQAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	w := newTestWorker(m, srv.URL)

	now := t0
	for i := 0; i < 5; i++ {
		w.now = func() time.Time { return now }
		_, err := w.TickDeliveries(context.Background(), "", 10)
		require.NoError(t, err)
		now = now.Add(5 * time.Minute)
	}

	d, ok := m.GetDelivery("t1", "dl-1")
	require.True(t, ok)
	assert.Equal(t, types.DeliveryFailed, d.State)
	assert.Equal(t, 5, d.Attempts)

	// DLQ retention, not the delivered retention.
	expires, err := types.ParseTimestamp(d.ExpiresAt)
	require.NoError(t, err)
	lastAttempt := t0.Add(4 * 5 * time.Minute)
	assert.Equal(t, lastAttempt.Add(14*24*time.Hour), expires.UTC())

	// A terminal delivery is never claimed again.
	w.now = func() time.Time { return now.Add(time.Hour) }
	res, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestPerScopeOrderingStopsOnFailure(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Header.Get("x-proxy-delivery-id"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	seedDelivery(m, "dl-2", "job-1", 2, t0.Add(-time.Second))
	w := newTestWorker(m, srv.URL)

	res, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Attempted, "the scope stops at the first failure")
	assert.Equal(t, []string{"dl-1"}, paths)

	d, ok := m.GetDelivery("t1", "dl-2")
	require.True(t, ok)
	assert.Zero(t, d.Attempts, "later deliveries in the scope wait for the retry")
	assert.Empty(t, d.ClaimedAt, "unattempted group members give their lease back")
	assert.Empty(t, d.Worker)
}

func TestCrashBetweenPostAndMarkRedelivers(t *testing.T) {
	var dedupeKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dedupeKeys = append(dedupeKeys, r.Header.Get("x-proxy-dedupe-key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	failpoint.Set(failpoint.WebhookAfterPostBeforeMark, func() error {
		return errors.New("lost before mark")
	})
	defer failpoint.Clear(failpoint.WebhookAfterPostBeforeMark)

	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	w := newTestWorker(m, srv.URL)

	res, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	d, ok := m.GetDelivery("t1", "dl-1")
	require.True(t, ok)
	assert.Equal(t, types.DeliveryPending, d.State, "the POST landed but the mark did not")
	assert.Equal(t, 1, d.Attempts)
	assert.Contains(t, d.LastError, "exception")

	// Recovery dispatches again; the receiver dedupes on the key.
	failpoint.Clear(failpoint.WebhookAfterPostBeforeMark)
	w.now = func() time.Time { return t0.Add(5 * time.Second) }
	res, err = w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	assert.Equal(t, []string{"dk-dl-1", "dk-dl-1"}, dedupeKeys)
}

func TestWebhookHeadersAndSignature(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	w := newTestWorker(m, srv.URL)

	_, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)

	assert.Equal(t, `{"amount":100,"id":"art-1"}`, string(body))
	assert.Equal(t, "application/json; charset=utf-8", got.Get("Content-Type"))
	assert.Equal(t, "dk-dl-1", got.Get("x-proxy-dedupe-key"))
	assert.Equal(t, "dl-1", got.Get("x-proxy-delivery-id"))
	assert.Equal(t, "receipt", got.Get("x-proxy-artifact-type"))
	assert.Equal(t, "art-1", got.Get("x-proxy-artifact-id"))
	assert.Equal(t, "h1", got.Get("x-proxy-artifact-hash"))
	assert.NotContains(t, got.Get("x-proxy-order-key"), "\n")

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte(got.Get("x-proxy-timestamp")))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), got.Get("x-proxy-signature"))
}

func TestUnknownDestinationAndMissingArtifact(t *testing.T) {
	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))
	w := newTestWorker(m, "http://unused.invalid")
	w.destinations = &fakeResolvers{dests: map[string]*types.Destination{}}

	_, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	d, _ := m.GetDelivery("t1", "dl-1")
	assert.Contains(t, d.LastError, "unknown_destination")

	seedDelivery(m, "dl-2", "job-2", 1, t0.Add(-time.Second))
	w2 := newTestWorker(m, "http://unused.invalid")
	w2.artifacts = &fakeResolvers{arts: map[string]*types.Artifact{}}
	w2.destinations = &fakeResolvers{dests: map[string]*types.Destination{
		"hook": {DestinationID: "hook", Type: types.DestinationWebhook, URL: "http://unused.invalid", Secret: "shh"},
	}}

	_, err = w2.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	d, _ = m.GetDelivery("t1", "dl-2")
	assert.Contains(t, d.LastError, "missing_artifact")
}

func TestSecretResolutionFailureClassified(t *testing.T) {
	m := store.NewMemory()
	seedDelivery(m, "dl-1", "job-1", 1, t0.Add(-time.Second))

	res := &fakeResolvers{
		dests: map[string]*types.Destination{
			"hook": {DestinationID: "hook", Type: types.DestinationWebhook,
				URL: "http://unused.invalid", SecretRef: "vault:webhook"},
		},
		arts: map[string]*types.Artifact{
			"art-1": {ID: "art-1", Hash: "h1", Canonical: []byte(`{}`)},
		},
	}
	w := NewWorker(m, res, res, secrets.NewStatic(nil), testConfig())
	w.now = func() time.Time { return t0 }

	_, err := w.TickDeliveries(context.Background(), "", 10)
	require.NoError(t, err)
	d, _ := m.GetDelivery("t1", "dl-1")
	assert.Contains(t, d.LastError, "secret_not_found")
}

func TestBackoffClamp(t *testing.T) {
	w := NewWorker(store.NewMemory(), nil, nil, nil, testConfig())

	for attempts, boundMS := range map[int]int64{
		1:  2_000,
		5:  32_000,
		10: 60_000, // clamped at max
		20: 60_000, // exponent capped at 16
	} {
		d := w.backoff(attempts)
		lo := time.Duration(float64(boundMS)*0.8) * time.Millisecond
		hi := time.Duration(float64(boundMS)*1.2) * time.Millisecond
		assert.GreaterOrEqual(t, d, lo, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, hi, "attempts=%d", attempts)
	}
}

func TestTickDeliveriesValidatesBudget(t *testing.T) {
	w := NewWorker(store.NewMemory(), nil, nil, nil, testConfig())
	_, err := w.TickDeliveries(context.Background(), "", 0)
	assert.Error(t, err)
}
