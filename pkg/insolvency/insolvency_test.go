package insolvency

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tenants   []string
	agents    map[string][]string // tenant -> agent ids
	insolvent map[string]bool     // tenant/agent -> verdict
	frozen    map[string]bool
	evalErr   map[string]error

	evaluated []string
}

func (f *fixture) Tenants(context.Context) ([]string, error) {
	return f.tenants, nil
}

func (f *fixture) ActiveAgents(_ context.Context, tenantID string, offset, limit int) ([]string, error) {
	agents := f.agents[tenantID]
	if offset >= len(agents) {
		return nil, nil
	}
	agents = agents[offset:]
	if len(agents) > limit {
		agents = agents[:limit]
	}
	return agents, nil
}

func (f *fixture) EvaluateAgent(_ context.Context, tenantID, agentID string) (Evaluation, error) {
	key := tenantID + "/" + agentID
	f.evaluated = append(f.evaluated, key)
	if err := f.evalErr[key]; err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Insolvent: f.insolvent[key]}, nil
}

func (f *fixture) FreezeAgent(_ context.Context, tenantID, agentID string) (bool, error) {
	key := tenantID + "/" + agentID
	if f.frozen[key] {
		return false, nil
	}
	if f.frozen == nil {
		f.frozen = make(map[string]bool)
	}
	f.frozen[key] = true
	return true, nil
}

func newFixture() *fixture {
	f := &fixture{
		tenants:   []string{"tenant-c", "tenant-a", "tenant-b", "tenant-a"},
		agents:    make(map[string][]string),
		insolvent: make(map[string]bool),
		frozen:    make(map[string]bool),
		evalErr:   make(map[string]error),
	}
	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		for i := 1; i <= 5; i++ {
			f.agents[tenant] = append(f.agents[tenant], fmt.Sprintf("agent-%d", i))
		}
	}
	return f
}

func TestSweepRespectsMessageBudget(t *testing.T) {
	f := newFixture()
	f.insolvent["tenant-b/agent-2"] = true
	f.insolvent["tenant-b/agent-4"] = true

	s := NewSweeper(f, f, f)
	res, err := s.TickInsolvencySweep(context.Background(), Params{MaxMessages: 4, BatchSize: 2})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 3, res.TenantCount, "tenants are deduped")
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 4, res.Processed)
	assert.Len(t, res.Outcomes, 4)
	assert.Zero(t, res.Failures)
	assert.LessOrEqual(t, res.Frozen, 2)

	// Budget of 4 never reaches tenant-b, so nothing freezes yet.
	for _, key := range f.evaluated {
		assert.Contains(t, key, "tenant-a/")
	}
}

func TestSweepFreezesInsolventAgents(t *testing.T) {
	f := newFixture()
	f.insolvent["tenant-b/agent-2"] = true
	f.insolvent["tenant-b/agent-4"] = true

	s := NewSweeper(f, f, f)
	res, err := s.TickInsolvencySweep(context.Background(), Params{})
	require.NoError(t, err)

	assert.Equal(t, 15, res.Scanned)
	assert.Equal(t, 2, res.Frozen)
	assert.Equal(t, 13, res.Skipped)
	assert.True(t, f.frozen["tenant-b/agent-2"])
	assert.True(t, f.frozen["tenant-b/agent-4"])
}

func TestSweepSkipsAlreadyFrozen(t *testing.T) {
	f := newFixture()
	f.insolvent["tenant-a/agent-1"] = true
	f.frozen["tenant-a/agent-1"] = true

	s := NewSweeper(f, f, f)
	res, err := s.TickInsolvencySweep(context.Background(), Params{})
	require.NoError(t, err)
	assert.Zero(t, res.Frozen)
	assert.Equal(t, 15, res.Skipped)
}

func TestSweepCapturesEvaluationErrors(t *testing.T) {
	f := newFixture()
	f.evalErr["tenant-a/agent-3"] = errors.New("ledger unavailable")

	s := NewSweeper(f, f, f)
	res, err := s.TickInsolvencySweep(context.Background(), Params{})
	require.NoError(t, err, "agent failures never abort the sweep")

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Failures)
	var errOutcome int
	for _, o := range res.Outcomes {
		if o.Action == "error" {
			errOutcome++
			assert.Equal(t, "SWEEP_ERROR", o.Code)
		}
	}
	assert.Equal(t, 1, errOutcome)
}

func TestSweepSingleTenantFilter(t *testing.T) {
	f := newFixture()
	s := NewSweeper(f, f, f)
	res, err := s.TickInsolvencySweep(context.Background(), Params{TenantID: "tenant-b"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TenantCount)
	assert.Equal(t, 5, res.Scanned)
}

func TestSweepValidatesBounds(t *testing.T) {
	s := NewSweeper(newFixture(), nil, nil)
	_, err := s.TickInsolvencySweep(context.Background(), Params{MaxMessages: -1})
	assert.Error(t, err)
	_, err = s.TickInsolvencySweep(context.Background(), Params{BatchSize: -5})
	assert.Error(t, err)
}
