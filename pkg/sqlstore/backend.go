package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/types"
)

const deliveryColumns = `tenant_id, delivery_id, scope_key, order_seq, priority,
	order_key, dedupe_key, destination_id, artifact_id, artifact_hash,
	artifact_type, state, attempts, next_attempt_at, claimed_at, worker,
	last_status, last_error, delivered_at, expires_at, created_at`

func scanDelivery(row interface{ Scan(...any) error }) (types.Delivery, error) {
	var d types.Delivery
	var state string
	err := row.Scan(&d.TenantID, &d.DeliveryID, &d.ScopeKey, &d.OrderSeq, &d.Priority,
		&d.OrderKey, &d.DedupeKey, &d.DestinationID, &d.ArtifactID, &d.ArtifactHash,
		&d.ArtifactType, &state, &d.Attempts, &d.NextAttemptAt, &d.ClaimedAt, &d.Worker,
		&d.LastStatus, &d.LastError, &d.DeliveredAt, &d.ExpiresAt, &d.CreatedAt)
	d.State = types.DeliveryState(state)
	return d, err
}

// ClaimDueDeliveries leases due deliveries in one transaction. The
// predicate and sort order match the in-memory backend so a fleet of
// workers sees the same claim sequence on either store.
func (s *Store) ClaimDueDeliveries(ctx context.Context, tenantID string, max int, worker string, now time.Time) ([]types.Delivery, error) {
	if max < 1 {
		return nil, nil
	}
	nowS := types.FormatTimestamp(now)
	reclaimBefore := types.FormatTimestamp(now.Add(-store.ReclaimAfter))

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer dbtx.Rollback()

	query := `SELECT ` + deliveryColumns + ` FROM deliveries
		WHERE state = 'pending'
		  AND next_attempt_at <= ?
		  AND (claimed_at = '' OR claimed_at < ?)`
	args := []any{nowS, reclaimBefore}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, types.NormalizeTenant(tenantID))
	}
	query += ` ORDER BY scope_key, order_seq, priority, next_attempt_at, delivery_id LIMIT ?`
	args = append(args, max)

	rows, err := dbtx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}
	claimed := make([]types.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].ClaimedAt = nowS
		claimed[i].Worker = worker
		_, err := dbtx.ExecContext(ctx, `
			UPDATE deliveries SET claimed_at = ?, worker = ?
			WHERE tenant_id = ? AND delivery_id = ?`,
			nowS, worker, claimed[i].TenantID, claimed[i].DeliveryID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim delivery %s: %w", claimed[i].DeliveryID, err)
		}
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// UpdateDeliveryAttempt records one attempt outcome.
func (s *Store) UpdateDeliveryAttempt(ctx context.Context, upd store.DeliveryAttempt) error {
	query := `UPDATE deliveries SET
		state = ?, attempts = ?, last_status = ?, last_error = ?, expires_at = ?`
	args := []any{string(upd.State), upd.Attempts, upd.LastStatus, upd.LastError, upd.ExpiresAt}
	if upd.NextAttemptAt != "" {
		query += `, next_attempt_at = ?`
		args = append(args, upd.NextAttemptAt)
	}
	if upd.DeliveredAt != "" {
		query += `, delivered_at = ?`
		args = append(args, upd.DeliveredAt)
	}
	if upd.ClearClaim {
		query += `, claimed_at = '', worker = ''`
	}
	query += ` WHERE tenant_id = ? AND delivery_id = ?`
	args = append(args, types.NormalizeTenant(upd.TenantID), upd.DeliveryID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update delivery %s: %w", upd.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.Validationf("delivery %s not found for tenant %s", upd.DeliveryID, upd.TenantID)
	}
	return nil
}

// ReleaseDeliveryClaims clears the lease on the referenced deliveries.
func (s *Store) ReleaseDeliveryClaims(ctx context.Context, refs []store.DeliveryRef) error {
	for _, ref := range refs {
		_, err := s.db.ExecContext(ctx, `
			UPDATE deliveries SET claimed_at = '', worker = ''
			WHERE tenant_id = ? AND delivery_id = ?`,
			types.NormalizeTenant(ref.TenantID), ref.DeliveryID)
		if err != nil {
			return fmt.Errorf("failed to release claim on delivery %s: %w", ref.DeliveryID, err)
		}
	}
	return nil
}

// ProcessOutbox drains up to max outbox rows into delivery rows inside one
// transaction, one delivery per destination. Messages carrying a dedupe
// key skip destinations that already received a matching delivery.
func (s *Store) ProcessOutbox(ctx context.Context, max int, now time.Time) (int, error) {
	if max < 1 {
		return 0, nil
	}
	nowS := types.FormatTimestamp(now)

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer dbtx.Rollback()

	rows, err := dbtx.QueryContext(ctx, `
		SELECT seq, doc FROM outbox ORDER BY seq LIMIT ?`, max)
	if err != nil {
		return 0, fmt.Errorf("failed to query outbox: %w", err)
	}
	type outboxRow struct {
		seq int64
		msg types.OutboxMessage
	}
	var batch []outboxRow
	for rows.Next() {
		var r outboxRow
		var doc string
		if err := rows.Scan(&r.seq, &doc); err != nil {
			rows.Close()
			return 0, err
		}
		if err := json.Unmarshal([]byte(doc), &r.msg); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to decode outbox row %d: %w", r.seq, err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range batch {
		msg := r.msg
		for _, destID := range msg.DestinationIDs {
			if msg.DedupeKey != "" {
				var n int
				err := dbtx.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM deliveries
					WHERE tenant_id = ? AND destination_id = ? AND dedupe_key = ?`,
					msg.TenantID, destID, msg.DedupeKey).Scan(&n)
				if err != nil {
					return 0, err
				}
				if n > 0 {
					continue
				}
			}
			id := uuid.NewString()
			_, err := dbtx.ExecContext(ctx, `
				INSERT INTO deliveries (`+deliveryColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', '', 0, '', '', '', ?)`,
				msg.TenantID, id, msg.ScopeKey, msg.OrderSeq, msg.Priority,
				types.MakeOrderKey(msg.ScopeKey, msg.OrderSeq, msg.Priority, id),
				msg.DedupeKey, destID, msg.ArtifactID, msg.ArtifactHash, msg.ArtifactType,
				nowS, nowS)
			if err != nil {
				return 0, fmt.Errorf("failed to create delivery for outbox row %d: %w", r.seq, err)
			}
		}
		if _, err := dbtx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, r.seq); err != nil {
			return 0, fmt.Errorf("failed to delete outbox row %d: %w", r.seq, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return len(batch), nil
}

// PurgeExpiredDeliveries removes terminal deliveries whose retention
// window has passed.
func (s *Store) PurgeExpiredDeliveries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deliveries
		WHERE state IN ('delivered', 'failed') AND expires_at != '' AND expires_at <= ?`,
		types.FormatTimestamp(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

var _ store.Backend = (*Store)(nil)
