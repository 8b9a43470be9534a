package tx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nooterra/proxy/pkg/canonical"
	"github.com/nooterra/proxy/pkg/ledger"
	"github.com/nooterra/proxy/pkg/metrics"
	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/types"
)

// Applier applies operation batches to the in-memory store. A batch is
// all-or-nothing: mutations are staged against an overlay and only flushed
// when every op validated.
type Applier struct {
	st *store.Memory
}

// NewApplier creates an applier over the store.
func NewApplier(st *store.Memory) *Applier {
	return &Applier{st: st}
}

// Apply validates and applies the batch in order. On error the store is
// untouched.
func (a *Applier) Apply(batch []Op) error {
	_, err := a.ApplyWithChanges(batch)
	return err
}

// ApplyWithChanges applies the batch and returns the staged change set so
// a relational mirror can replay the identical mutations in one SQL
// transaction.
func (a *Applier) ApplyWithChanges(batch []Op) (*ChangeSet, error) {
	if len(batch) == 0 {
		return nil, types.Validationf("empty operation batch")
	}
	t := newTxn(a.st)
	for i, op := range batch {
		if err := t.apply(op); err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Kind, err)
		}
	}
	cs := t.changeSet()
	if err := t.commit(); err != nil {
		return nil, err
	}
	for _, op := range batch {
		metrics.TxOpsTotal.WithLabelValues(op.Kind).Inc()
		if kind, ok := appendKinds[op.Kind]; ok {
			metrics.EventsAppendedTotal.WithLabelValues(string(kind)).Inc()
		}
	}
	return cs, nil
}

type entityWrite struct {
	collection string
	tenantID   string
	id         string
	doc        []byte
}

// streamStage holds events staged for one aggregate stream.
type streamStage struct {
	kind        types.AggregateKind
	tenantID    string
	aggregateID string
	events      [][]byte
}

type ledgerStage struct {
	entries []types.LedgerEntry
	applied map[string]bool
}

// txn is the staged overlay for one batch. Reads consult staged state
// first, then the store; nothing touches the store until commit.
type txn struct {
	st *store.Memory

	writes   []entityWrite
	writeIdx map[string]int // collection \x1f scopedKey -> index into writes

	streams   []*streamStage
	streamIdx map[string]*streamStage

	ledgers map[string]*ledgerStage
	idem    map[string]types.IdempotencyRecord
	idemSeq []string
	outbox  []types.OutboxMessage
}

func newTxn(st *store.Memory) *txn {
	return &txn{
		st:        st,
		writeIdx:  make(map[string]int),
		streamIdx: make(map[string]*streamStage),
		ledgers:   make(map[string]*ledgerStage),
		idem:      make(map[string]types.IdempotencyRecord),
	}
}

func (t *txn) apply(op Op) error {
	if spec, ok := upsertKinds[op.Kind]; ok {
		return t.applyUpsert(op, spec)
	}
	if spec, ok := immutableKinds[op.Kind]; ok {
		return t.applyImmutablePut(op, spec)
	}
	if spec, ok := statusKinds[op.Kind]; ok {
		return t.applyStatusSet(op, spec)
	}
	if kind, ok := appendKinds[op.Kind]; ok {
		return t.applyEventsAppend(op, kind)
	}
	switch op.Kind {
	case KindEmergencyControlEventAppended:
		return t.applyEmergencyControl(op)
	case KindLedgerEntryApplied:
		return t.applyLedgerEntry(op)
	case KindIdempotencyPut:
		return t.applyIdempotencyPut(op)
	case KindOutboxEnqueue:
		return t.applyOutboxEnqueue(op)
	case KindIngestRecordsPut:
		return t.applyIngestRecords(op)
	default:
		return types.Validationf("unknown op kind %q", op.Kind)
	}
}

// getEntity reads through the staged overlay.
func (t *txn) getEntity(collection, tenantID, id string) ([]byte, bool) {
	k := collection + "\x1f" + types.MakeScopedKey(tenantID, id)
	if i, ok := t.writeIdx[k]; ok {
		return t.writes[i].doc, true
	}
	return t.st.GetEntity(collection, tenantID, id)
}

func (t *txn) putEntity(collection, tenantID, id string, doc []byte) {
	k := collection + "\x1f" + types.MakeScopedKey(tenantID, id)
	if i, ok := t.writeIdx[k]; ok {
		t.writes[i].doc = doc
		return
	}
	t.writeIdx[k] = len(t.writes)
	t.writes = append(t.writes, entityWrite{collection, types.NormalizeTenant(tenantID), id, doc})
}

// streamHead returns the current chain head including staged appends.
func (t *txn) streamHead(kind types.AggregateKind, tenantID, aggregateID string) (string, error) {
	key := store.StreamKey(kind, tenantID, aggregateID)
	if s, ok := t.streamIdx[key]; ok && len(s.events) > 0 {
		return rawChainHash(s.events[len(s.events)-1])
	}
	return t.st.StreamHead(kind, tenantID, aggregateID)
}

func rawChainHash(raw []byte) (string, error) {
	var probe struct {
		ChainHash string `json:"chainHash"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("event decode: %w", err)
	}
	return probe.ChainHash, nil
}

func (t *txn) commit() error {
	for _, w := range t.writes {
		t.st.PutEntity(w.collection, w.tenantID, w.id, w.doc)
	}
	for _, s := range t.streams {
		t.st.AppendEvents(s.kind, s.tenantID, s.aggregateID, s.events)
	}
	for tenant, stage := range t.ledgers {
		l := t.st.Ledger(tenant)
		for i := range stage.entries {
			if err := l.Apply(&stage.entries[i]); err != nil {
				return fmt.Errorf("ledger commit for tenant %s: %w", tenant, err)
			}
		}
	}
	for _, k := range t.idemSeq {
		t.st.PutIdempotency(t.idem[k])
	}
	for _, msg := range t.outbox {
		t.st.EnqueueOutbox(msg)
	}
	return nil
}

// decodeBody decodes the op payload into a map with numbers preserved and
// the kind tag removed.
func decodeBody(op Op) (map[string]any, error) {
	v, err := canonical.Decode(op.Raw)
	if err != nil {
		return nil, types.Validationf("malformed op payload: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, types.Validationf("op payload must be an object")
	}
	delete(m, "kind")
	return m, nil
}

func (t *txn) applyUpsert(op Op, spec upsertSpec) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	id, err := compositeID(body, spec.IDFields)
	if err != nil {
		return err
	}
	doc, err := canonical.Marshal(body)
	if err != nil {
		return err
	}
	t.putEntity(spec.Collection, tenant, id, doc)

	// Signer keys additionally maintain the public-key index.
	if op.Kind == "SIGNER_KEY_UPSERT" {
		if pub, ok := body["publicKey"].(string); ok && pub != "" {
			idx, err := canonical.Marshal(map[string]any{"keyId": id, "tenantId": tenant})
			if err != nil {
				return err
			}
			t.putEntity(signerKeyIndexCollection, tenant, pub, idx)
		}
	}
	return nil
}

func (t *txn) applyImmutablePut(op Op, spec immutableSpec) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	id, err := requireString(body, spec.IDField)
	if err != nil {
		return err
	}
	doc, err := canonical.Marshal(body)
	if err != nil {
		return err
	}
	if existing, ok := t.getEntity(spec.Collection, tenant, id); ok {
		if spec.Strict {
			return types.Conflict(spec.Code, "record already exists",
				map[string]any{spec.IDField: id, "tenantId": tenant})
		}
		if bytes.Equal(existing, doc) {
			return nil // idempotent re-put
		}
		return types.Conflict(spec.Code, "record is immutable",
			map[string]any{spec.IDField: id, "tenantId": tenant})
	}
	t.putEntity(spec.Collection, tenant, id, doc)
	return nil
}

var keyStatuses = map[string]bool{"active": true, "rotated": true, "revoked": true}

func (t *txn) applyStatusSet(op Op, spec statusSpec) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	id, err := requireString(body, spec.IDField)
	if err != nil {
		return err
	}
	status, err := requireString(body, "status")
	if err != nil {
		return err
	}
	if !keyStatuses[status] {
		return types.Validationf("status %q is not one of active, rotated, revoked", status)
	}
	existing, ok := t.getEntity(spec.Collection, tenant, id)
	if !ok {
		return types.NewError(types.CodeNotFound,
			fmt.Sprintf("%s %s not found for tenant %s", spec.Collection, id, tenant), 404)
	}
	decoded, err := canonical.Decode(existing)
	if err != nil {
		return fmt.Errorf("decode existing %s record: %w", spec.Collection, err)
	}
	rec, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("existing %s record is not an object", spec.Collection)
	}
	rec["status"] = status
	if v, ok := body["rotatedAt"]; ok {
		rec["rotatedAt"] = v
	}
	if v, ok := body["revokedAt"]; ok {
		rec["revokedAt"] = v
	}
	doc, err := canonical.Marshal(rec)
	if err != nil {
		return err
	}
	t.putEntity(spec.Collection, tenant, id, doc)
	return nil
}

func (t *txn) applyLedgerEntry(op Op) error {
	var payload struct {
		TenantID string            `json:"tenantId"`
		Entry    types.LedgerEntry `json:"entry"`
	}
	if err := json.Unmarshal(op.Raw, &payload); err != nil {
		return types.Validationf("malformed ledger op: %v", err)
	}
	tenant := types.NormalizeTenant(payload.TenantID)
	payload.Entry.TenantID = tenant
	if err := ledger.Validate(&payload.Entry); err != nil {
		return err
	}
	stage := t.ledgers[tenant]
	if stage == nil {
		stage = &ledgerStage{applied: make(map[string]bool)}
		t.ledgers[tenant] = stage
	}
	if stage.applied[payload.Entry.EntryID] || t.st.Ledger(tenant).Applied(payload.Entry.EntryID) {
		return types.Conflict(types.CodeLedgerEntryExists, "ledger entry already applied",
			map[string]any{"entryId": payload.Entry.EntryID, "tenantId": tenant})
	}
	stage.entries = append(stage.entries, payload.Entry)
	stage.applied[payload.Entry.EntryID] = true
	return nil
}

func (t *txn) applyIdempotencyPut(op Op) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	key, err := requireString(body, "key")
	if err != nil {
		return err
	}
	fingerprint, err := requireString(body, "fingerprint")
	if err != nil {
		return err
	}
	response, err := canonical.Marshal(body["response"])
	if err != nil {
		return err
	}
	createdAt, _ := body["createdAt"].(string)

	scoped := types.MakeScopedKey(tenant, key)
	var existing types.IdempotencyRecord
	var exists bool
	if rec, ok := t.idem[scoped]; ok {
		existing, exists = rec, true
	} else if rec, ok := t.st.GetIdempotency(tenant, key); ok {
		existing, exists = rec, true
	}
	if exists {
		if existing.Fingerprint == fingerprint {
			return nil // replay of the same request
		}
		return types.Conflict(types.CodeIdempotencyConflict,
			"idempotency key reused with a different request fingerprint",
			map[string]any{"key": key, "tenantId": tenant})
	}
	if _, staged := t.idem[scoped]; !staged {
		t.idemSeq = append(t.idemSeq, scoped)
	}
	t.idem[scoped] = types.IdempotencyRecord{
		TenantID:    tenant,
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   createdAt,
	}
	return nil
}

func (t *txn) applyOutboxEnqueue(op Op) error {
	var msg types.OutboxMessage
	if err := json.Unmarshal(op.Raw, &msg); err != nil {
		return types.Validationf("malformed outbox op: %v", err)
	}
	if msg.ArtifactID == "" || msg.ArtifactHash == "" {
		return types.Validationf("outbox message requires artifactId and artifactHash")
	}
	if msg.ScopeKey == "" {
		return types.Validationf("outbox message requires scopeKey")
	}
	if len(msg.DestinationIDs) == 0 {
		return types.Validationf("outbox message requires at least one destination")
	}
	if msg.OrderSeq < 0 || msg.Priority < 0 {
		return types.Validationf("outbox orderSeq and priority must be non-negative")
	}
	msg.TenantID = types.NormalizeTenant(msg.TenantID)
	msg.Seq = 0 // assigned by the store at commit
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *txn) applyIngestRecords(op Op) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	source, err := requireString(body, "source")
	if err != nil {
		return err
	}
	records, ok := body["records"].([]any)
	if !ok || len(records) == 0 {
		return types.Validationf("ingest op requires a non-empty records array")
	}
	for i, r := range records {
		rec, ok := r.(map[string]any)
		if !ok {
			return types.Validationf("ingest record %d must be an object", i)
		}
		externalID, err := requireString(rec, "externalEventId")
		if err != nil {
			return err
		}
		id := source + "/" + externalID
		if _, exists := t.getEntity(ingestCollection, tenant, id); exists {
			continue // dedupe by (tenantId, source, externalEventId)
		}
		rec["source"] = source
		doc, err := canonical.Marshal(rec)
		if err != nil {
			return err
		}
		t.putEntity(ingestCollection, tenant, id, doc)
	}
	return nil
}

// tenantOf extracts and normalizes the tenant id from a decoded payload.
func tenantOf(body map[string]any) string {
	s, _ := body["tenantId"].(string)
	return types.NormalizeTenant(s)
}

func requireString(body map[string]any, field string) (string, error) {
	v, ok := body[field]
	if !ok {
		return "", types.Validationf("missing required field %q", field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", types.Validationf("field %q must be a non-empty string", field)
	}
	return s, nil
}

// compositeID joins the identifier fields of an upsert payload. String
// components must be non-empty; numeric components (e.g. policyVersion)
// must be positive safe integers.
func compositeID(body map[string]any, fields []string) (string, error) {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := body[f]
		if !ok {
			return "", types.Validationf("missing required field %q", f)
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				return "", types.Validationf("field %q must be non-empty", f)
			}
			parts = append(parts, val)
		case json.Number:
			n, err := positiveSafeInt(val, f)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%d", n))
		default:
			return "", types.Validationf("field %q must be a string or integer", f)
		}
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "@" + p
	}
	return out, nil
}

const maxSafeInt = 1<<53 - 1

func positiveSafeInt(n json.Number, field string) (int64, error) {
	i, err := n.Int64()
	if err != nil || i < 1 || i > maxSafeInt {
		return 0, types.Validationf("field %q must be a positive safe integer, got %s", field, n.String())
	}
	return i, nil
}
