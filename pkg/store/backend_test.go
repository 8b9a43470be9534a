package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/proxy/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(tenant, id, scope string, seq, prio int64, due time.Time) types.Delivery {
	return types.Delivery{
		TenantID:      tenant,
		DeliveryID:    id,
		ScopeKey:      scope,
		OrderSeq:      seq,
		Priority:      prio,
		OrderKey:      types.MakeOrderKey(scope, seq, prio, id),
		DestinationID: "d1",
		ArtifactID:    "art-1",
		ArtifactHash:  "h1",
		State:         types.DeliveryPending,
		NextAttemptAt: types.FormatTimestamp(due),
		CreatedAt:     types.FormatTimestamp(due),
	}
}

func TestClaimDueDeliveriesOrdering(t *testing.T) {
	m := NewMemory()
	m.PutDelivery(pending("t1", "dl-c", "scope-b", 1, 0, t0.Add(-time.Minute)))
	m.PutDelivery(pending("t1", "dl-a", "scope-a", 2, 0, t0.Add(-time.Minute)))
	m.PutDelivery(pending("t1", "dl-b", "scope-a", 1, 0, t0.Add(-time.Minute)))
	m.PutDelivery(pending("t1", "dl-future", "scope-a", 0, 0, t0.Add(time.Hour)))

	claimed, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 3, "future deliveries are not due")

	ids := []string{claimed[0].DeliveryID, claimed[1].DeliveryID, claimed[2].DeliveryID}
	assert.Equal(t, []string{"dl-b", "dl-a", "dl-c"}, ids,
		"sorted by (scopeKey, orderSeq, priority, nextAttemptAt, deliveryId)")
	for _, d := range claimed {
		assert.Equal(t, DeliveryWorkerName, d.Worker)
		assert.NotEmpty(t, d.ClaimedAt)
	}
}

func TestClaimRespectsLeaseWindow(t *testing.T) {
	m := NewMemory()
	m.PutDelivery(pending("t1", "dl-1", "scope-a", 1, 0, t0.Add(-time.Minute)))

	first, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second claim inside the reclaim window sees nothing.
	second, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, second)

	// After the window the lease is stolen.
	third, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0.Add(ReclaimAfter+2*time.Second))
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestReleaseDeliveryClaims(t *testing.T) {
	m := NewMemory()
	m.PutDelivery(pending("t1", "dl-1", "scope-a", 1, 0, t0.Add(-time.Minute)))
	m.PutDelivery(pending("t1", "dl-2", "scope-a", 2, 0, t0.Add(-time.Minute)))

	claimed, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	err = m.ReleaseDeliveryClaims(context.Background(), []DeliveryRef{
		{TenantID: "t1", DeliveryID: "dl-2"},
		{TenantID: "t1", DeliveryID: "absent"},
	})
	require.NoError(t, err)

	d, ok := m.GetDelivery("t1", "dl-2")
	require.True(t, ok)
	assert.Empty(t, d.ClaimedAt)
	assert.Empty(t, d.Worker)

	// The released delivery is claimable inside the reclaim window; the
	// still-leased one is not.
	again, err := m.ClaimDueDeliveries(context.Background(), "", 10, DeliveryWorkerName, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "dl-2", again[0].DeliveryID)
}

func TestClaimFiltersTenant(t *testing.T) {
	m := NewMemory()
	m.PutDelivery(pending("t1", "dl-1", "s", 1, 0, t0.Add(-time.Minute)))
	m.PutDelivery(pending("t2", "dl-2", "s", 1, 0, t0.Add(-time.Minute)))

	claimed, err := m.ClaimDueDeliveries(context.Background(), "t2", 10, DeliveryWorkerName, t0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "dl-2", claimed[0].DeliveryID)
}

func TestUpdateDeliveryAttempt(t *testing.T) {
	m := NewMemory()
	m.PutDelivery(pending("t1", "dl-1", "s", 1, 0, t0.Add(-time.Minute)))
	_, err := m.ClaimDueDeliveries(context.Background(), "", 1, DeliveryWorkerName, t0)
	require.NoError(t, err)

	retryAt := types.FormatTimestamp(t0.Add(2 * time.Second))
	require.NoError(t, m.UpdateDeliveryAttempt(context.Background(), DeliveryAttempt{
		TenantID:      "t1",
		DeliveryID:    "dl-1",
		State:         types.DeliveryPending,
		Attempts:      1,
		NextAttemptAt: retryAt,
		LastStatus:    500,
		LastError:     "non_2xx",
		ClearClaim:    true,
	}))

	d, ok := m.GetDelivery("t1", "dl-1")
	require.True(t, ok)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, retryAt, d.NextAttemptAt)
	assert.Empty(t, d.ClaimedAt, "cleared lease")
	assert.Empty(t, d.Worker)

	err = m.UpdateDeliveryAttempt(context.Background(), DeliveryAttempt{TenantID: "t1", DeliveryID: "missing"})
	assert.Error(t, err)
}

func TestProcessOutboxFansOut(t *testing.T) {
	m := NewMemory()
	m.EnqueueOutbox(types.OutboxMessage{
		TenantID:       "t1",
		ArtifactID:     "art-1",
		ArtifactHash:   "h1",
		ScopeKey:       "job-1",
		OrderSeq:       1,
		DestinationIDs: []string{"d1", "d2"},
	})
	m.EnqueueOutbox(types.OutboxMessage{
		TenantID:       "t1",
		ArtifactID:     "art-2",
		ArtifactHash:   "h2",
		ScopeKey:       "job-1",
		OrderSeq:       2,
		DestinationIDs: []string{"d1"},
	})

	n, err := m.ProcessOutbox(context.Background(), 1, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "budget limits the drain")
	assert.Equal(t, 1, m.OutboxLen())
	assert.Len(t, m.Deliveries(), 2, "one delivery per destination")

	n, err = m.ProcessOutbox(context.Background(), 10, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, m.OutboxLen())

	for _, d := range m.Deliveries() {
		assert.Equal(t, types.DeliveryPending, d.State)
		assert.Equal(t, types.MakeOrderKey(d.ScopeKey, d.OrderSeq, d.Priority, d.DeliveryID), d.OrderKey)
	}
}

func TestProcessOutboxDedupeKey(t *testing.T) {
	m := NewMemory()
	msg := types.OutboxMessage{
		TenantID:       "t1",
		ArtifactID:     "art-1",
		ArtifactHash:   "h1",
		ScopeKey:       "job-1",
		DedupeKey:      "dk-1",
		DestinationIDs: []string{"d1"},
	}
	m.EnqueueOutbox(msg)
	m.EnqueueOutbox(msg)

	_, err := m.ProcessOutbox(context.Background(), 10, t0)
	require.NoError(t, err)
	assert.Len(t, m.Deliveries(), 1, "second message with the same dedupe key creates no delivery")
}

func TestPurgeExpiredDeliveries(t *testing.T) {
	m := NewMemory()
	expired := pending("t1", "dl-old", "s", 1, 0, t0.Add(-48*time.Hour))
	expired.State = types.DeliveryDelivered
	expired.ExpiresAt = types.FormatTimestamp(t0.Add(-time.Hour))
	m.PutDelivery(expired)

	kept := pending("t1", "dl-live", "s", 2, 0, t0)
	kept.State = types.DeliveryFailed
	kept.ExpiresAt = types.FormatTimestamp(t0.Add(time.Hour))
	m.PutDelivery(kept)

	stillPending := pending("t1", "dl-pending", "s", 3, 0, t0)
	m.PutDelivery(stillPending)

	n, err := m.PurgeExpiredDeliveries(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := m.GetDelivery("t1", "dl-old")
	assert.False(t, ok)
	_, ok = m.GetDelivery("t1", "dl-live")
	assert.True(t, ok)
	_, ok = m.GetDelivery("t1", "dl-pending")
	assert.True(t, ok)
}

func TestTenantsEnumeration(t *testing.T) {
	m := NewMemory()
	m.PutEntity("robots", "beta", "r1", []byte(`{}`))
	m.PutEntity("robots", "alpha", "r2", []byte(`{}`))
	m.PutDelivery(pending("gamma", "dl-1", "s", 1, 0, t0))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, m.Tenants())
}
