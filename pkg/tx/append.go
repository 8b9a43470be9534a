package tx

import (
	"encoding/json"

	"github.com/nooterra/proxy/pkg/canonical"
	"github.com/nooterra/proxy/pkg/store"
	"github.com/nooterra/proxy/pkg/types"
)

// applyEventsAppend runs the optimistic-concurrency append protocol: the
// first incoming event must link to the current stream head and each
// subsequent event to its predecessor. Losers of a head race get a 409
// and retry after rebuilding their chain.
func (t *txn) applyEventsAppend(op Op, kind types.AggregateKind) error {
	var payload struct {
		TenantID    string            `json:"tenantId"`
		AggregateID string            `json:"aggregateId"`
		Events      []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(op.Raw, &payload); err != nil {
		return types.Validationf("malformed append op: %v", err)
	}
	if payload.AggregateID == "" {
		return types.Validationf("append op requires aggregateId")
	}
	if len(payload.Events) == 0 {
		return types.Validationf("append op requires at least one event")
	}
	tenant := types.NormalizeTenant(payload.TenantID)

	head, err := t.streamHead(kind, tenant, payload.AggregateID)
	if err != nil {
		return err
	}

	staged := make([][]byte, 0, len(payload.Events))
	prevHash := head
	for i, raw := range payload.Events {
		decoded, err := canonical.Decode(raw)
		if err != nil {
			return types.Validationf("event %d: %v", i, err)
		}
		ev, ok := decoded.(map[string]any)
		if !ok {
			return types.Validationf("event %d must be an object", i)
		}
		got := chainRef(ev["prevChainHash"])
		if got != prevHash {
			return types.Conflict(types.CodePrevChainHashMismatch,
				"prevChainHash does not match the stream head",
				map[string]any{
					"aggregateId": payload.AggregateID,
					"kind":        string(kind),
					"index":       i,
					"expected":    nullable(prevHash),
					"got":         nullable(got),
				})
		}
		hash, ok := ev["chainHash"].(string)
		if !ok || hash == "" {
			// Command layers usually precompute the hash; tolerate its
			// absence by deriving it here.
			body := make(map[string]any, len(ev))
			for k, v := range ev {
				if k != "chainHash" {
					body[k] = v
				}
			}
			hash, err = canonical.ChainHash(body, got)
			if err != nil {
				return err
			}
			ev["chainHash"] = hash
		}
		enc, err := canonical.Marshal(ev)
		if err != nil {
			return err
		}
		staged = append(staged, enc)
		prevHash = hash
	}

	key := store.StreamKey(kind, tenant, payload.AggregateID)
	stage := t.streamIdx[key]
	if stage == nil {
		stage = &streamStage{kind: kind, tenantID: tenant, aggregateID: payload.AggregateID}
		t.streamIdx[key] = stage
		t.streams = append(t.streams, stage)
	}
	stage.events = append(stage.events, staged...)

	return t.reduceSnapshot(kind, tenant, payload.AggregateID, stage)
}

// chainRef normalizes a prevChainHash member: null and absent both mean
// "empty stream".
func chainRef(v any) string {
	s, _ := v.(string)
	return s
}

// nullable maps the empty hash back to JSON null for error details.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// reduceSnapshot folds the full stream (committed events plus everything
// staged in this batch) into the aggregate snapshot. The snapshot carries
// a shallow merge of each event's data member, so it is recomputable from
// the stream alone.
func (t *txn) reduceSnapshot(kind types.AggregateKind, tenantID, aggregateID string, stage *streamStage) error {
	full := t.st.EventStream(kind, tenantID, aggregateID)
	full = append(full, stage.events...)

	state := make(map[string]any)
	var lastAt string
	var head string
	for _, raw := range full {
		decoded, err := canonical.Decode(raw)
		if err != nil {
			return err
		}
		ev, ok := decoded.(map[string]any)
		if !ok {
			continue
		}
		if data, ok := ev["data"].(map[string]any); ok {
			for k, v := range data {
				state[k] = v
			}
		}
		if at, ok := ev["at"].(string); ok {
			lastAt = at
		}
		if h, ok := ev["chainHash"].(string); ok {
			head = h
		}
	}

	snapshot := map[string]any{
		"aggregateId":   aggregateID,
		"tenantId":      tenantID,
		"kind":          string(kind),
		"eventCount":    len(full),
		"headChainHash": head,
		"state":         state,
	}
	if lastAt != "" {
		snapshot["updatedAt"] = lastAt
	}
	doc, err := canonical.Marshal(snapshot)
	if err != nil {
		return err
	}
	t.putEntity(SnapshotCollection(kind), tenantID, aggregateID, doc)
	return nil
}
