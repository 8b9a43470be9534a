package tx

import "github.com/nooterra/proxy/pkg/types"

// EntityWrite is one staged document write.
type EntityWrite struct {
	Collection string
	TenantID   string
	ID         string
	Doc        []byte
}

// StreamAppend is the set of events staged for one aggregate stream, in
// append order.
type StreamAppend struct {
	Kind        types.AggregateKind
	TenantID    string
	AggregateID string
	Events      [][]byte
}

// ChangeSet is everything a committed batch wrote, in commit order. The
// relational mirror replays it inside a single SQL transaction so the two
// stores stay byte-for-byte aligned.
type ChangeSet struct {
	Entities    []EntityWrite
	Streams     []StreamAppend
	Ledger      []types.LedgerEntry
	Idempotency []types.IdempotencyRecord
	Outbox      []types.OutboxMessage
}

// Empty reports whether the batch staged no mutations at all.
func (c *ChangeSet) Empty() bool {
	return len(c.Entities) == 0 && len(c.Streams) == 0 && len(c.Ledger) == 0 &&
		len(c.Idempotency) == 0 && len(c.Outbox) == 0
}

func (t *txn) changeSet() *ChangeSet {
	cs := &ChangeSet{}
	for _, w := range t.writes {
		cs.Entities = append(cs.Entities, EntityWrite{
			Collection: w.collection,
			TenantID:   w.tenantID,
			ID:         w.id,
			Doc:        w.doc,
		})
	}
	for _, s := range t.streams {
		cs.Streams = append(cs.Streams, StreamAppend{
			Kind:        s.kind,
			TenantID:    s.tenantID,
			AggregateID: s.aggregateID,
			Events:      s.events,
		})
	}
	for _, stage := range t.ledgers {
		cs.Ledger = append(cs.Ledger, stage.entries...)
	}
	for _, k := range t.idemSeq {
		cs.Idempotency = append(cs.Idempotency, t.idem[k])
	}
	cs.Outbox = append(cs.Outbox, t.outbox...)
	return cs
}
