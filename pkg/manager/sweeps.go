package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nooterra/proxy/pkg/canonical"
	"github.com/nooterra/proxy/pkg/insolvency"
	"github.com/nooterra/proxy/pkg/tick"
	"github.com/nooterra/proxy/pkg/tx"
	"github.com/nooterra/proxy/pkg/types"
)

// Budgets for one tick pass.
const (
	outboxBudget   = 256
	dispatchBudget = 100
	proofBudget    = 200
)

// sweeps returns the tick pass in its fixed execution order.
func (m *Manager) sweeps() []tick.Sweep {
	return []tick.Sweep{
		{Name: "outbox", Run: m.sweepOutbox},
		{Name: "dispatch", Run: m.sweepDispatch},
		{Name: "proof", Run: m.sweepProof},
		{Name: "artifacts", Run: m.sweepArtifacts},
		{Name: "deliveries", Run: m.sweepDeliveryRetention},
		{Name: "x402_holdbacks", Run: m.sweepHoldbacks},
		{Name: "insolvency", Run: m.sweepInsolvency},
		{Name: "winddown_reversals", Run: m.sweepWinddown},
		{Name: "billing_sync", Run: m.sweepBilling},
		{Name: "finance_reconciliation", Run: m.sweepFinance},
	}
}

// sweepOutbox fans enqueued messages out into delivery rows.
func (m *Manager) sweepOutbox(ctx context.Context) error {
	n, err := m.backend.ProcessOutbox(ctx, outboxBudget, m.now())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug().Int("messages", n).Msg("outbox drained")
	}
	return nil
}

// sweepDispatch runs the delivery worker over due deliveries.
func (m *Manager) sweepDispatch(ctx context.Context) error {
	res, err := m.worker.TickDeliveries(ctx, "", dispatchBudget)
	if err != nil {
		return err
	}
	if res.Claimed > 0 {
		m.logger.Debug().
			Int("claimed", res.Claimed).
			Int("delivered", res.Delivered).
			Int("dlq", res.DLQ).
			Msg("delivery pass complete")
	}
	return nil
}

// sweepProof spot-checks stream heads: every tail event must carry a
// chain hash consistent with its own body.
func (m *Manager) sweepProof(context.Context) error {
	keys := m.st.StreamKeys()
	if len(keys) > proofBudget {
		keys = keys[:proofBudget]
	}
	for _, key := range keys {
		tail := m.st.StreamTail(key)
		if tail == nil {
			continue
		}
		decoded, err := canonical.Decode(tail)
		if err != nil {
			return fmt.Errorf("stream %q tail: %w", key, err)
		}
		ev, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("stream %q tail is not an object", key)
		}
		valid, err := canonical.VerifyChainEvent(ev)
		if err != nil {
			return fmt.Errorf("stream %q tail: %w", key, err)
		}
		if !valid {
			// Command layers may submit precomputed hashes the service
			// stores verbatim; surface the divergence without failing
			// the pass.
			m.logger.Warn().Str("stream", key).Msg("stream tail hash does not recompute")
		}
	}
	return nil
}

// sweepArtifacts verifies that pending deliveries still resolve their
// artifact; a missing artifact is reported before the dispatch path hits
// it. Mirror-backed deployments rely on dispatch-time resolution instead.
func (m *Manager) sweepArtifacts(context.Context) error {
	if m.mirror != nil {
		return nil
	}
	var missing int
	for _, d := range m.st.Deliveries() {
		if d.State != types.DeliveryPending {
			continue
		}
		if _, err := m.artifacts.Get(d.TenantID, d.ArtifactID, d.ArtifactHash); err != nil {
			missing++
			m.logger.Warn().
				Str("delivery_id", d.DeliveryID).
				Str("artifact_id", d.ArtifactID).
				Msg("pending delivery references missing artifact")
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d pending deliveries reference missing artifacts", missing)
	}
	return nil
}

// sweepDeliveryRetention purges terminal deliveries past their retention
// window.
func (m *Manager) sweepDeliveryRetention(ctx context.Context) error {
	n, err := m.backend.PurgeExpiredDeliveries(ctx, m.now())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug().Int64("purged", n).Msg("expired deliveries purged")
	}
	return nil
}

// sweepHoldbacks releases tool-call holds whose expiry has passed.
func (m *Manager) sweepHoldbacks(ctx context.Context) error {
	nowS := types.FormatTimestamp(m.now())
	for _, tenant := range m.st.Tenants() {
		for _, doc := range m.st.ListCollection("tool_call_holds", tenant) {
			var hold map[string]any
			if err := json.Unmarshal(doc, &hold); err != nil {
				return fmt.Errorf("decode tool call hold: %w", err)
			}
			status, _ := hold["status"].(string)
			expiresAt, _ := hold["expiresAt"].(string)
			if status != "held" || expiresAt == "" || expiresAt > nowS {
				continue
			}
			hold["status"] = "released"
			hold["releasedAt"] = nowS
			hold["tenantId"] = tenant
			hold["kind"] = "TOOL_CALL_HOLD_UPSERT"
			raw, err := json.Marshal(hold)
			if err != nil {
				return err
			}
			if err := m.Commit(ctx, []tx.Op{{Kind: "TOOL_CALL_HOLD_UPSERT", Raw: raw}}); err != nil {
				return fmt.Errorf("release hold: %w", err)
			}
		}
	}
	return nil
}

// sweepInsolvency runs one bounded insolvency pass.
func (m *Manager) sweepInsolvency(ctx context.Context) error {
	res, err := m.sweeper.TickInsolvencySweep(ctx, insolvency.Params{})
	if err != nil {
		return err
	}
	if res.Failures > 0 {
		return fmt.Errorf("insolvency sweep recorded %d failures", res.Failures)
	}
	return nil
}

// sweepWinddown closes agent lifecycles whose wind-down window has ended.
func (m *Manager) sweepWinddown(ctx context.Context) error {
	nowS := types.FormatTimestamp(m.now())
	for _, tenant := range m.st.Tenants() {
		for _, doc := range m.st.ListCollection("x402_agent_lifecycles", tenant) {
			var lc map[string]any
			if err := json.Unmarshal(doc, &lc); err != nil {
				return fmt.Errorf("decode agent lifecycle: %w", err)
			}
			phase, _ := lc["phase"].(string)
			endsAt, _ := lc["windDownEndsAt"].(string)
			if phase != "winddown" || endsAt == "" || endsAt > nowS {
				continue
			}
			lc["phase"] = "closed"
			lc["closedAt"] = nowS
			lc["tenantId"] = tenant
			lc["kind"] = "X402_AGENT_LIFECYCLE_UPSERT"
			raw, err := json.Marshal(lc)
			if err != nil {
				return err
			}
			if err := m.Commit(ctx, []tx.Op{{Kind: "X402_AGENT_LIFECYCLE_UPSERT", Raw: raw}}); err != nil {
				return fmt.Errorf("close lifecycle: %w", err)
			}
		}
	}
	return nil
}

// sweepBilling re-checks the per-tenant ledger invariant.
func (m *Manager) sweepBilling(context.Context) error {
	for _, tenant := range m.st.Tenants() {
		if err := m.st.Ledger(tenant).CheckInvariant(); err != nil {
			return err
		}
	}
	return nil
}

// sweepFinance reconciles terminal delivery records against their
// recorded outcomes.
func (m *Manager) sweepFinance(context.Context) error {
	if m.mirror != nil {
		return nil
	}
	for _, d := range m.st.Deliveries() {
		if d.State != types.DeliveryDelivered {
			continue
		}
		if d.Attempts < 1 || d.LastStatus < 200 || d.LastStatus >= 300 {
			return fmt.Errorf("delivered record %s has inconsistent outcome (attempts=%d status=%d)",
				d.DeliveryID, d.Attempts, d.LastStatus)
		}
	}
	return nil
}
