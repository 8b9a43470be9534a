// Package store holds the in-memory state of the service: keyed entity
// maps, per-aggregate event logs, per-tenant ledgers, the idempotency
// cache, the outbox queue and delivery records.
//
// All mutations must arrive through the transaction applier so the store
// and the transaction log stay in lockstep; nothing else may write here.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nooterra/proxy/pkg/canonical"
	"github.com/nooterra/proxy/pkg/ledger"
	"github.com/nooterra/proxy/pkg/types"
)

// DeliveryWorkerName is the lease owner recorded on claimed deliveries.
const DeliveryWorkerName = "delivery_v1"

// ReclaimAfter is the lease window after which a claimed delivery may be
// stolen by another worker.
const ReclaimAfter = 60 * time.Second

// Memory is the canonical in-memory store.
type Memory struct {
	mu sync.RWMutex

	// entities: collection -> scoped key -> canonical document bytes.
	entities map[string]map[string][]byte

	// events: stream key -> ordered canonical event bytes.
	events map[string][][]byte

	ledgers     map[string]*ledger.Ledger
	idempotency map[string]types.IdempotencyRecord

	outbox    []types.OutboxMessage
	outboxSeq map[string]int64

	deliveries map[string]*types.Delivery
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		entities:    make(map[string]map[string][]byte),
		events:      make(map[string][][]byte),
		ledgers:     make(map[string]*ledger.Ledger),
		idempotency: make(map[string]types.IdempotencyRecord),
		outboxSeq:   make(map[string]int64),
		deliveries:  make(map[string]*types.Delivery),
	}
}

// StreamKey identifies one aggregate event stream.
func StreamKey(kind types.AggregateKind, tenantID, aggregateID string) string {
	return string(kind) + "\x00" + types.MakeScopedKey(tenantID, aggregateID)
}

// GetEntity returns the canonical document for (collection, tenant, id).
func (m *Memory) GetEntity(collection, tenantID, id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.entities[collection][types.MakeScopedKey(tenantID, id)]
	return doc, ok
}

// PutEntity upserts the canonical document for (collection, tenant, id).
func (m *Memory) PutEntity(collection, tenantID, id string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.entities[collection]
	if byKey == nil {
		byKey = make(map[string][]byte)
		m.entities[collection] = byKey
	}
	byKey[types.MakeScopedKey(tenantID, id)] = doc
}

// DeleteEntity removes an entity; missing entities are a no-op.
func (m *Memory) DeleteEntity(collection, tenantID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities[collection], types.MakeScopedKey(tenantID, id))
}

// ListCollection returns all documents of a collection for one tenant,
// sorted by scoped key for deterministic iteration.
func (m *Memory) ListCollection(collection, tenantID string) [][]byte {
	prefix := types.NormalizeTenant(tenantID) + "\x00"
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.entities[collection] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entities[collection][k])
	}
	return out
}

// Tenants enumerates every tenant that owns at least one entity, event
// stream, ledger or delivery. The result is deduped and sorted.
func (m *Memory) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, byKey := range m.entities {
		for k := range byKey {
			seen[tenantOfScopedKey(k)] = true
		}
	}
	for k := range m.events {
		parts := strings.SplitN(k, "\x00", 3)
		if len(parts) == 3 {
			seen[parts[1]] = true
		}
	}
	for t := range m.ledgers {
		seen[t] = true
	}
	for _, d := range m.deliveries {
		seen[d.TenantID] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func tenantOfScopedKey(k string) string {
	if i := strings.IndexByte(k, 0); i >= 0 {
		return k[:i]
	}
	return k
}

// EventStream returns the canonical event bytes of a stream in order.
func (m *Memory) EventStream(kind types.AggregateKind, tenantID, aggregateID string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream := m.events[StreamKey(kind, tenantID, aggregateID)]
	out := make([][]byte, len(stream))
	copy(out, stream)
	return out
}

// StreamKeys returns every stream key, sorted.
func (m *Memory) StreamKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.events))
	for k := range m.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StreamTail returns the last event of a stream by raw key, or nil.
func (m *Memory) StreamTail(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream := m.events[key]
	if len(stream) == 0 {
		return nil
	}
	return stream[len(stream)-1]
}

// StreamHead returns the chain hash of the last event, or "" for an empty
// stream.
func (m *Memory) StreamHead(kind types.AggregateKind, tenantID, aggregateID string) (string, error) {
	m.mu.RLock()
	stream := m.events[StreamKey(kind, tenantID, aggregateID)]
	m.mu.RUnlock()
	if len(stream) == 0 {
		return "", nil
	}
	return eventChainHash(stream[len(stream)-1])
}

func eventChainHash(raw []byte) (string, error) {
	var probe struct {
		ChainHash string `json:"chainHash"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("event decode: %w", err)
	}
	return probe.ChainHash, nil
}

// AppendEvents appends pre-verified canonical events to a stream. Chain
// validation happens in the applier; the store only persists.
func (m *Memory) AppendEvents(kind types.AggregateKind, tenantID, aggregateID string, events [][]byte) {
	key := StreamKey(kind, tenantID, aggregateID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key] = append(m.events[key], events...)
}

// Ledger returns the tenant's ledger, creating it on first use.
func (m *Memory) Ledger(tenantID string) *ledger.Ledger {
	t := types.NormalizeTenant(tenantID)
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledgers[t]
	if l == nil {
		l = ledger.New(t)
		m.ledgers[t] = l
	}
	return l
}

// GetIdempotency returns the record for (tenant, key).
func (m *Memory) GetIdempotency(tenantID, key string) (types.IdempotencyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[types.MakeScopedKey(tenantID, key)]
	return rec, ok
}

// PutIdempotency stores a record; the applier has already resolved
// replay-versus-conflict.
func (m *Memory) PutIdempotency(rec types.IdempotencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idempotency[types.MakeScopedKey(rec.TenantID, rec.Key)] = rec
}

// EnqueueOutbox appends a message, assigning the tenant's next sequence
// number. The returned message carries the assigned Seq.
func (m *Memory) EnqueueOutbox(msg types.OutboxMessage) types.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := types.NormalizeTenant(msg.TenantID)
	m.outboxSeq[t]++
	msg.TenantID = t
	msg.Seq = m.outboxSeq[t]
	m.outbox = append(m.outbox, msg)
	return msg
}

// OutboxLen reports the number of undrained outbox messages.
func (m *Memory) OutboxLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outbox)
}

// GetDelivery returns a copy of the delivery record.
func (m *Memory) GetDelivery(tenantID, deliveryID string) (types.Delivery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[types.MakeScopedKey(tenantID, deliveryID)]
	if !ok {
		return types.Delivery{}, false
	}
	return *d, true
}

// PutDelivery inserts or replaces a delivery record.
func (m *Memory) PutDelivery(d types.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.deliveries[types.MakeScopedKey(d.TenantID, d.DeliveryID)] = &cp
}

// Deliveries returns copies of all delivery records, sorted by order key.
func (m *Memory) Deliveries() []types.Delivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderKey < out[j].OrderKey })
	return out
}

// Checksum hashes the entire store state under canonical encoding. Two
// stores built from the same operation batches produce the same checksum;
// the replay test relies on this.
func (m *Memory) Checksum() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := sha256.New()
	writeKV := func(section, key string, doc []byte) {
		fmt.Fprintf(h, "%s\x1f%s\x1f", section, key)
		h.Write(doc)
		h.Write([]byte{'\n'})
	}

	collections := make([]string, 0, len(m.entities))
	for c := range m.entities {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	for _, c := range collections {
		keys := make([]string, 0, len(m.entities[c]))
		for k := range m.entities[c] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeKV("entity:"+c, k, m.entities[c][k])
		}
	}

	streams := make([]string, 0, len(m.events))
	for k := range m.events {
		streams = append(streams, k)
	}
	sort.Strings(streams)
	for _, k := range streams {
		for i, ev := range m.events[k] {
			writeKV("event:"+k, fmt.Sprintf("%d", i), ev)
		}
	}

	tenants := make([]string, 0, len(m.ledgers))
	for t := range m.ledgers {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		for _, e := range m.ledgers[t].Entries {
			doc, err := canonical.Marshal(e)
			if err != nil {
				return "", err
			}
			writeKV("ledger:"+t, e.EntryID, doc)
		}
	}

	idemKeys := make([]string, 0, len(m.idempotency))
	for k := range m.idempotency {
		idemKeys = append(idemKeys, k)
	}
	sort.Strings(idemKeys)
	for _, k := range idemKeys {
		doc, err := canonical.Marshal(m.idempotency[k])
		if err != nil {
			return "", err
		}
		writeKV("idempotency", k, doc)
	}

	for _, msg := range m.outbox {
		doc, err := canonical.Marshal(msg)
		if err != nil {
			return "", err
		}
		writeKV("outbox", fmt.Sprintf("%s\x1f%d", msg.TenantID, msg.Seq), doc)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
