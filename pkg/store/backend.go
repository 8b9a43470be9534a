package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/proxy/pkg/types"
)

// DeliveryAttempt carries the state transition recorded after one
// delivery attempt.
type DeliveryAttempt struct {
	TenantID      string
	DeliveryID    string
	State         types.DeliveryState
	Attempts      int
	NextAttemptAt string
	LastStatus    int
	LastError     string
	DeliveredAt   string
	ExpiresAt     string
	// ClearClaim releases the lease so a later tick may retry.
	ClearClaim bool
}

// DeliveryRef identifies one delivery row.
type DeliveryRef struct {
	TenantID   string
	DeliveryID string
}

// Backend is the durable contract shared by the in-memory store and the
// relational mirror. Both execute the same delivery-queue semantics so the
// worker runs one attempt engine against either.
type Backend interface {
	// ClaimDueDeliveries leases up to max due deliveries for the worker.
	// tenantID may be empty to claim across tenants.
	ClaimDueDeliveries(ctx context.Context, tenantID string, max int, worker string, now time.Time) ([]types.Delivery, error)

	// UpdateDeliveryAttempt records the outcome of one attempt.
	UpdateDeliveryAttempt(ctx context.Context, upd DeliveryAttempt) error

	// ReleaseDeliveryClaims clears the lease on claimed-but-unattempted
	// deliveries so they become claimable again without waiting out the
	// reclaim window.
	ReleaseDeliveryClaims(ctx context.Context, refs []DeliveryRef) error

	// ProcessOutbox drains up to max outbox messages into delivery rows,
	// one delivery per destination. Returns the number of messages drained.
	ProcessOutbox(ctx context.Context, max int, now time.Time) (int, error)

	// PurgeExpiredDeliveries removes terminal deliveries whose retention
	// window has passed.
	PurgeExpiredDeliveries(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// ClaimDueDeliveries scans the delivery map applying the lease predicate,
// sorts deterministically by (scopeKey, orderSeq, priority, nextAttemptAt,
// deliveryId) and claims the first max records in place.
func (m *Memory) ClaimDueDeliveries(_ context.Context, tenantID string, max int, worker string, now time.Time) ([]types.Delivery, error) {
	if max < 1 {
		return nil, nil
	}
	nowS := types.FormatTimestamp(now)
	reclaimBefore := types.FormatTimestamp(now.Add(-ReclaimAfter))
	tenant := ""
	if tenantID != "" {
		tenant = types.NormalizeTenant(tenantID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*types.Delivery, 0)
	for _, d := range m.deliveries {
		if tenant != "" && d.TenantID != tenant {
			continue
		}
		if d.State != types.DeliveryPending {
			continue
		}
		if d.NextAttemptAt > nowS {
			continue
		}
		if d.ClaimedAt != "" && d.ClaimedAt >= reclaimBefore {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.ScopeKey != b.ScopeKey {
			return a.ScopeKey < b.ScopeKey
		}
		if a.OrderSeq != b.OrderSeq {
			return a.OrderSeq < b.OrderSeq
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.NextAttemptAt != b.NextAttemptAt {
			return a.NextAttemptAt < b.NextAttemptAt
		}
		return a.DeliveryID < b.DeliveryID
	})
	if len(due) > max {
		due = due[:max]
	}

	out := make([]types.Delivery, 0, len(due))
	for _, d := range due {
		d.ClaimedAt = nowS
		d.Worker = worker
		out = append(out, *d)
	}
	return out, nil
}

// UpdateDeliveryAttempt applies an attempt outcome to the delivery map.
func (m *Memory) UpdateDeliveryAttempt(_ context.Context, upd DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[types.MakeScopedKey(upd.TenantID, upd.DeliveryID)]
	if !ok {
		return types.Validationf("delivery %s not found for tenant %s", upd.DeliveryID, upd.TenantID)
	}
	d.State = upd.State
	d.Attempts = upd.Attempts
	d.LastStatus = upd.LastStatus
	d.LastError = upd.LastError
	if upd.NextAttemptAt != "" {
		d.NextAttemptAt = upd.NextAttemptAt
	}
	if upd.DeliveredAt != "" {
		d.DeliveredAt = upd.DeliveredAt
	}
	d.ExpiresAt = upd.ExpiresAt
	if upd.ClearClaim {
		d.ClaimedAt = ""
		d.Worker = ""
	}
	return nil
}

// ReleaseDeliveryClaims clears the lease on the referenced deliveries.
func (m *Memory) ReleaseDeliveryClaims(_ context.Context, refs []DeliveryRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		if d, ok := m.deliveries[types.MakeScopedKey(ref.TenantID, ref.DeliveryID)]; ok {
			d.ClaimedAt = ""
			d.Worker = ""
		}
	}
	return nil
}

// ProcessOutbox pops up to max messages and creates one pending delivery
// per destination.
func (m *Memory) ProcessOutbox(_ context.Context, max int, now time.Time) (int, error) {
	if max < 1 {
		return 0, nil
	}
	nowS := types.FormatTimestamp(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := max
	if n > len(m.outbox) {
		n = len(m.outbox)
	}
	batch := m.outbox[:n]
	for _, msg := range batch {
		for _, destID := range msg.DestinationIDs {
			if msg.DedupeKey != "" && m.hasDeliveryDedupe(msg.TenantID, destID, msg.DedupeKey) {
				continue
			}
			id := uuid.NewString()
			d := types.Delivery{
				TenantID:      msg.TenantID,
				DeliveryID:    id,
				ScopeKey:      msg.ScopeKey,
				OrderSeq:      msg.OrderSeq,
				Priority:      msg.Priority,
				OrderKey:      types.MakeOrderKey(msg.ScopeKey, msg.OrderSeq, msg.Priority, id),
				DedupeKey:     msg.DedupeKey,
				DestinationID: destID,
				ArtifactID:    msg.ArtifactID,
				ArtifactHash:  msg.ArtifactHash,
				ArtifactType:  msg.ArtifactType,
				State:         types.DeliveryPending,
				NextAttemptAt: nowS,
				CreatedAt:     nowS,
			}
			m.deliveries[types.MakeScopedKey(d.TenantID, d.DeliveryID)] = &d
		}
	}
	m.outbox = append([]types.OutboxMessage(nil), m.outbox[n:]...)
	return n, nil
}

// PurgeExpiredDeliveries drops delivered and failed records whose
// expiresAt has passed.
func (m *Memory) PurgeExpiredDeliveries(_ context.Context, now time.Time) (int64, error) {
	nowS := types.FormatTimestamp(now)
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key, d := range m.deliveries {
		if d.State == types.DeliveryPending || d.ExpiresAt == "" {
			continue
		}
		if d.ExpiresAt <= nowS {
			delete(m.deliveries, key)
			purged++
		}
	}
	return purged, nil
}

// hasDeliveryDedupe reports whether a delivery for the same destination
// already carries the dedupe key. Caller holds the lock.
func (m *Memory) hasDeliveryDedupe(tenantID, destinationID, dedupeKey string) bool {
	for _, d := range m.deliveries {
		if d.TenantID == tenantID && d.DestinationID == destinationID && d.DedupeKey == dedupeKey {
			return true
		}
	}
	return false
}

// Close implements Backend; the in-memory store holds no resources.
func (m *Memory) Close() error { return nil }
