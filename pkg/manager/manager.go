// Package manager is the composition root. It owns the commit pipeline
// (applier, transaction log, relational mirror, event broker), replays
// the log on boot, and runs the delivery worker, tick scheduler and
// insolvency sweep.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nooterra/proxy/pkg/artifact"
	"github.com/nooterra/proxy/pkg/config"
	"github.com/nooterra/proxy/pkg/delivery"
	"github.com/nooterra/proxy/pkg/events"
	"github.com/nooterra/proxy/pkg/insolvency"
	"github.com/nooterra/proxy/pkg/log"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/secrets"
	"github.com/nooterra/proxy/pkg/sqlstore"
	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/tick"
	"github.com/nooterra/proxy/pkg/tx"
	"github.com/nooterra/proxy/pkg/txlog"
	"github.com/nooterra/proxy/pkg/types"
)

// TxLogFile is the transaction log filename under the data directory.
const TxLogFile = "txlog.jsonl"

// Manager wires the stores, the commit pipeline and the background
// workers together.
type Manager struct {
	cfg *config.Config

	st      *store.Memory
	applier *tx.Applier
	txlog   *txlog.Log
	mirror  *sqlstore.Store
	backend store.Backend

	artifacts *artifact.Store
	secrets   secrets.Provider
	broker    *events.Broker
	worker    *delivery.Worker
	runner    *tick.Runner
	sweeper   *insolvency.Sweeper

	commitMu sync.Mutex
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a manager: replays the transaction log into a fresh store,
// opens the artifact database and, when configured, the relational
// mirror.
func New(cfg *config.Config, sp secrets.Provider) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		st:      store.NewMemory(),
		secrets: sp,
		broker:  events.NewBroker(),
		logger:  log.WithComponent("manager"),
		now:     time.Now,
	}
	m.applier = tx.NewApplier(m.st)

	logPath := filepath.Join(cfg.DataDir, TxLogFile)
	if err := m.replay(logPath); err != nil {
		return nil, err
	}

	l, err := txlog.Open(logPath)
	if err != nil {
		return nil, err
	}
	m.txlog = l

	arts, err := artifact.Open(cfg.DataDir)
	if err != nil {
		m.txlog.Close()
		return nil, err
	}
	m.artifacts = arts

	m.backend = m.st
	if cfg.SQLitePath != "" {
		mirror, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			m.close()
			return nil, err
		}
		m.mirror = mirror
		m.backend = mirror
	}

	m.worker = delivery.NewWorker(m.backend, m, m, sp, cfg.Delivery)
	m.sweeper = insolvency.NewSweeper(m, m, m)
	m.runner = tick.NewRunner(m.sweeps(), time.Duration(cfg.Autotick.IntervalMS)*time.Millisecond)
	return m, nil
}

// Start launches the broker and, when autotick is enabled, the tick loop.
func (m *Manager) Start(ctx context.Context) {
	m.broker.Start()
	if m.cfg.Autotick.Enabled {
		m.runner.Start(ctx)
	}
	m.logger.Info().Bool("autotick", m.cfg.Autotick.Enabled).Msg("manager started")
}

// Stop halts the tick loop and releases resources, waiting for the
// in-flight pass to finish.
func (m *Manager) Stop() {
	m.runner.Stop()
	m.broker.Stop()
	m.close()
	m.logger.Info().Msg("manager stopped")
}

func (m *Manager) close() {
	if m.txlog != nil {
		m.txlog.Close()
	}
	if m.artifacts != nil {
		m.artifacts.Close()
	}
	if m.mirror != nil {
		m.mirror.Close()
	}
}

// Store exposes the in-memory store for read paths.
func (m *Manager) Store() *store.Memory { return m.st }

// Broker exposes the event broker for subscribers.
func (m *Manager) Broker() *events.Broker { return m.broker }

// Artifacts exposes the artifact store.
func (m *Manager) Artifacts() *artifact.Store { return m.artifacts }

// Worker exposes the delivery worker.
func (m *Manager) Worker() *delivery.Worker { return m.worker }

// Runner exposes the tick runner.
func (m *Manager) Runner() *tick.Runner { return m.runner }

// Commit validates and applies one operation batch, journals it, mirrors
// it when configured and publishes a commit notification. A journal
// write failure is fatal: the store mutation cannot be made durable and
// the caller must abort the process.
func (m *Manager) Commit(ctx context.Context, batch []tx.Op) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	cs, err := m.applier.ApplyWithChanges(batch)
	if err != nil {
		metrics.TxBatchesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	raws := make([]json.RawMessage, len(batch))
	for i, op := range batch {
		raws[i] = op.Raw
	}
	if err := m.txlog.Append(m.now(), raws); err != nil {
		metrics.TxBatchesTotal.WithLabelValues("fatal").Inc()
		return fmt.Errorf("journal commit: %w", err)
	}

	if m.mirror != nil {
		if err := m.mirror.ApplyChanges(ctx, cs); err != nil {
			// The journal is the source of truth; the mirror catches up
			// on the next boot replay.
			m.logger.Error().Err(err).Msg("relational mirror apply failed")
		}
	}

	metrics.TxBatchesTotal.WithLabelValues("applied").Inc()
	m.publish(cs)
	return nil
}

func (m *Manager) publish(cs *tx.ChangeSet) {
	for _, s := range cs.Streams {
		m.broker.Publish(&events.Event{
			Type:     events.EventStreamAppended,
			TenantID: s.TenantID,
			Message:  fmt.Sprintf("%s/%s +%d", s.Kind, s.AggregateID, len(s.Events)),
		})
	}
	for range cs.Outbox {
		m.broker.Publish(&events.Event{Type: events.EventOutboxEnqueued})
	}
	m.broker.Publish(&events.Event{Type: events.EventBatchCommitted})
}

// replay rebuilds the store from the transaction log. The mirror is not
// replayed here: its rows survive restarts and its writes are keyed, so
// it is already at or behind the journal.
func (m *Manager) replay(logPath string) error {
	records, err := txlog.Load(logPath)
	if err != nil {
		return err
	}
	for i, rec := range records {
		batch := make([]tx.Op, 0, len(rec.Ops))
		for _, raw := range rec.Ops {
			var op tx.Op
			if err := json.Unmarshal(raw, &op); err != nil {
				return fmt.Errorf("txlog record %d: %w", i, err)
			}
			batch = append(batch, op)
		}
		if err := m.applier.Apply(batch); err != nil {
			return fmt.Errorf("replay txlog record %d: %w", i, err)
		}
	}
	if len(records) > 0 {
		m.logger.Info().Int("batches", len(records)).Msg("transaction log replayed")
	}
	return nil
}

// Destination implements delivery.DestinationResolver against the
// destinations collection.
func (m *Manager) Destination(tenantID, destinationID string) (*types.Destination, error) {
	doc, ok := m.st.GetEntity("destinations", tenantID, destinationID)
	if !ok {
		return nil, types.NewError(types.CodeNotFound,
			fmt.Sprintf("destination %s not found", destinationID), 404)
	}
	var dest types.Destination
	if err := json.Unmarshal(doc, &dest); err != nil {
		return nil, fmt.Errorf("decode destination %s: %w", destinationID, err)
	}
	dest.TenantID = types.NormalizeTenant(tenantID)
	dest.DestinationID = destinationID
	return &dest, nil
}

// Artifact implements delivery.ArtifactResolver against the artifact
// database.
func (m *Manager) Artifact(tenantID, artifactID, hash string) (*types.Artifact, error) {
	return m.artifacts.Get(tenantID, artifactID, hash)
}

// Tenants implements insolvency.AgentSource.
func (m *Manager) Tenants(_ context.Context) ([]string, error) {
	return m.st.Tenants(), nil
}

// ActiveAgents pages agent ids whose identity record is not frozen.
func (m *Manager) ActiveAgents(_ context.Context, tenantID string, offset, limit int) ([]string, error) {
	docs := m.st.ListCollection("agent_identities", tenantID)
	active := make([]string, 0, len(docs))
	for _, doc := range docs {
		var rec struct {
			AgentID string `json:"agentId"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode agent identity: %w", err)
		}
		if rec.AgentID == "" || rec.Status == "frozen" {
			continue
		}
		active = append(active, rec.AgentID)
	}
	if offset >= len(active) {
		return nil, nil
	}
	active = active[offset:]
	if len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

// EvaluateAgent implements insolvency.Evaluator: an agent is insolvent
// when any of its wallets has fallen below its minimum balance.
func (m *Manager) EvaluateAgent(_ context.Context, tenantID, agentID string) (insolvency.Evaluation, error) {
	for _, doc := range m.st.ListCollection("agent_wallets", tenantID) {
		var w struct {
			AgentID    string `json:"agentId"`
			WalletID   string `json:"walletId"`
			Balance    int64  `json:"balance"`
			MinBalance int64  `json:"minBalance"`
			Currency   string `json:"currency"`
		}
		if err := json.Unmarshal(doc, &w); err != nil {
			return insolvency.Evaluation{}, fmt.Errorf("decode agent wallet: %w", err)
		}
		if w.AgentID != agentID {
			continue
		}
		if w.Balance < w.MinBalance {
			return insolvency.Evaluation{
				Insolvent: true,
				Reason: fmt.Sprintf("wallet %s balance %d below minimum %d %s",
					w.WalletID, w.Balance, w.MinBalance, w.Currency),
			}, nil
		}
	}
	return insolvency.Evaluation{}, nil
}

// FreezeAgent implements insolvency.Freezer by committing a status
// transition on the agent identity. Returns false when the agent is
// already frozen.
func (m *Manager) FreezeAgent(ctx context.Context, tenantID, agentID string) (bool, error) {
	doc, ok := m.st.GetEntity("agent_identities", tenantID, agentID)
	if !ok {
		return false, types.NewError(types.CodeNotFound,
			fmt.Sprintf("agent %s not found", agentID), 404)
	}
	var rec map[string]any
	if err := json.Unmarshal(doc, &rec); err != nil {
		return false, fmt.Errorf("decode agent identity: %w", err)
	}
	if rec["status"] == "frozen" {
		return false, nil
	}
	rec["status"] = "frozen"
	rec["frozenAt"] = types.FormatTimestamp(m.now())
	rec["tenantId"] = types.NormalizeTenant(tenantID)
	rec["kind"] = "AGENT_IDENTITY_UPSERT"
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if err := m.Commit(ctx, []tx.Op{{Kind: "AGENT_IDENTITY_UPSERT", Raw: raw}}); err != nil {
		return false, err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventAgentFrozen,
		TenantID: types.NormalizeTenant(tenantID),
		Message:  agentID,
	})
	return true, nil
}
