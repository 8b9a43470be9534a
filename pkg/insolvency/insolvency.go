// Package insolvency freezes agents whose balances can no longer cover
// their obligations. The sweep pages active agents per tenant under a
// global message budget so one oversized tenant cannot starve the rest
// of a tick pass.
package insolvency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/nooterra/proxy/pkg/log"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/types"
)

// Evaluation is the verdict for one agent.
type Evaluation struct {
	Insolvent bool
	Reason    string
}

// AgentSource enumerates tenants and their active agents.
type AgentSource interface {
	Tenants(ctx context.Context) ([]string, error)
	// ActiveAgents returns up to limit agent ids starting at offset.
	ActiveAgents(ctx context.Context, tenantID string, offset, limit int) ([]string, error)
}

// Evaluator decides whether an agent is insolvent.
type Evaluator interface {
	EvaluateAgent(ctx context.Context, tenantID, agentID string) (Evaluation, error)
}

// Freezer applies the freeze. Returns whether anything changed; freezing
// an already frozen agent reports false.
type Freezer interface {
	FreezeAgent(ctx context.Context, tenantID, agentID string) (bool, error)
}

// Params bounds one sweep invocation.
type Params struct {
	TenantID    string
	MaxTenants  int
	MaxMessages int
	BatchSize   int
}

const (
	defaultMaxTenants  = 100
	defaultMaxMessages = 500
	defaultBatchSize   = 50
	maxSafeInt         = 1<<53 - 1
)

// Sweeper runs the insolvency sweep.
type Sweeper struct {
	source    AgentSource
	evaluator Evaluator
	freezer   Freezer
}

// NewSweeper builds a sweeper.
func NewSweeper(source AgentSource, evaluator Evaluator, freezer Freezer) *Sweeper {
	return &Sweeper{source: source, evaluator: evaluator, freezer: freezer}
}

func checkBound(name string, v, fallback int) (int, error) {
	if v == 0 {
		return fallback, nil
	}
	if v < 1 || v > maxSafeInt {
		return 0, types.Validationf("%s must be a positive safe integer, got %d", name, v)
	}
	return v, nil
}

// TickInsolvencySweep runs one sweep pass under the given bounds.
func (s *Sweeper) TickInsolvencySweep(ctx context.Context, p Params) (*types.SweepResult, error) {
	maxTenants, err := checkBound("maxTenants", p.MaxTenants, defaultMaxTenants)
	if err != nil {
		return nil, err
	}
	maxMessages, err := checkBound("maxMessages", p.MaxMessages, defaultMaxMessages)
	if err != nil {
		return nil, err
	}
	batchSize, err := checkBound("batchSize", p.BatchSize, defaultBatchSize)
	if err != nil {
		return nil, err
	}

	res := &types.SweepResult{OK: true, StartedAt: types.FormatTimestamp(time.Now())}
	logger := log.WithComponent("insolvency")

	tenants, err := s.tenantList(ctx, p.TenantID, maxTenants)
	if err != nil {
		return nil, err
	}
	res.TenantCount = len(tenants)

	for _, tenant := range tenants {
		if res.Processed >= maxMessages {
			break
		}
		offset := 0
		for res.Processed < maxMessages {
			limit := batchSize
			if remaining := maxMessages - res.Processed; remaining < limit {
				limit = remaining
			}
			agents, err := s.source.ActiveAgents(ctx, tenant, offset, limit)
			if err != nil {
				res.Failures++
				res.Outcomes = append(res.Outcomes, types.SweepOutcome{
					TenantID: tenant, Action: "error",
					Code: errCode(err), Message: err.Error(),
				})
				break
			}
			if len(agents) == 0 {
				break
			}
			offset += len(agents)
			for _, agentID := range agents {
				res.Scanned++
				res.Processed++
				metrics.InsolvencyScannedTotal.Inc()
				res.Outcomes = append(res.Outcomes, s.handleAgent(ctx, tenant, agentID, res))
			}
		}
	}

	res.OK = res.Failures == 0
	logger.Info().
		Int("tenants", res.TenantCount).
		Int("scanned", res.Scanned).
		Int("frozen", res.Frozen).
		Int("failures", res.Failures).
		Msg("insolvency sweep complete")
	return res, nil
}

// handleAgent evaluates one agent and freezes it when insolvent. Errors
// are captured as outcomes, never propagated.
func (s *Sweeper) handleAgent(ctx context.Context, tenantID, agentID string, res *types.SweepResult) types.SweepOutcome {
	eval, err := s.evaluator.EvaluateAgent(ctx, tenantID, agentID)
	if err != nil {
		res.Failures++
		return types.SweepOutcome{
			TenantID: tenantID, AgentID: agentID, Action: "error",
			Code: errCode(err), Message: err.Error(),
		}
	}
	if !eval.Insolvent {
		res.Skipped++
		return types.SweepOutcome{TenantID: tenantID, AgentID: agentID, Action: "skipped"}
	}
	changed, err := s.freezer.FreezeAgent(ctx, tenantID, agentID)
	if err != nil {
		res.Failures++
		return types.SweepOutcome{
			TenantID: tenantID, AgentID: agentID, Action: "error",
			Code: errCode(err), Message: err.Error(),
		}
	}
	if changed {
		res.Frozen++
		metrics.InsolvencyFrozenTotal.Inc()
		return types.SweepOutcome{TenantID: tenantID, AgentID: agentID, Action: "frozen", Message: eval.Reason}
	}
	res.Skipped++
	return types.SweepOutcome{TenantID: tenantID, AgentID: agentID, Action: "skipped", Message: "already frozen"}
}

// tenantList resolves the tenant set for the sweep, deduped and
// collation-sorted for a stable scan order.
func (s *Sweeper) tenantList(ctx context.Context, tenantID string, maxTenants int) ([]string, error) {
	if tenantID != "" {
		return []string{types.NormalizeTenant(tenantID)}, nil
	}
	all, err := s.source.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate tenants: %w", err)
	}
	seen := make(map[string]bool, len(all))
	tenants := make([]string, 0, len(all))
	for _, t := range all {
		t = types.NormalizeTenant(t)
		if !seen[t] {
			seen[t] = true
			tenants = append(tenants, t)
		}
	}
	collate.New(language.Und).SortStrings(tenants)
	if len(tenants) > maxTenants {
		tenants = tenants[:maxTenants]
	}
	return tenants, nil
}

func errCode(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "SWEEP_ERROR"
}
