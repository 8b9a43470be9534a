// Package tx implements the transaction applier: a batch of typed
// operations validated and applied atomically to the in-memory store.
// Dispatch is a single table keyed by the op kind.
package tx

import (
	"encoding/json"
	"fmt"

	"github.com/nooterra/proxy/pkg/types"
)

// Op is one tagged operation. The raw JSON is retained so the transaction
// log journals exactly what was applied.
type Op struct {
	Kind string
	Raw  json.RawMessage
}

// UnmarshalJSON peeks the kind tag and keeps the raw bytes.
func (o *Op) UnmarshalJSON(b []byte) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decode op: %w", err)
	}
	if probe.Kind == "" {
		return fmt.Errorf("op missing kind")
	}
	o.Kind = probe.Kind
	o.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON emits the retained raw bytes unchanged.
func (o Op) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return nil, fmt.Errorf("op %s has no payload", o.Kind)
	}
	return o.Raw, nil
}

// Event-stream append op kinds.
const (
	KindJobEventsAppended        = "JOB_EVENTS_APPENDED"
	KindRobotEventsAppended      = "ROBOT_EVENTS_APPENDED"
	KindOperatorEventsAppended   = "OPERATOR_EVENTS_APPENDED"
	KindAgentRunEventsAppended   = "AGENT_RUN_EVENTS_APPENDED"
	KindMonthCloseEventsAppended = "MONTH_CLOSE_EVENTS_APPENDED"
	KindSessionEventsAppended    = "SESSION_EVENTS_APPENDED"
)

// Remaining op kinds.
const (
	KindSignerKeyStatusSet = "SIGNER_KEY_STATUS_SET"
	KindAuthKeyStatusSet   = "AUTH_KEY_STATUS_SET"

	KindX402ReceiptPut           = "X402_RECEIPT_PUT"
	KindX402ZkVerificationKeyPut = "X402_ZK_VERIFICATION_KEY_PUT"
	KindSettlementAdjustmentPut  = "SETTLEMENT_ADJUSTMENT_PUT"

	KindEmergencyControlEventAppended = "EMERGENCY_CONTROL_EVENT_APPENDED"
	KindLedgerEntryApplied            = "LEDGER_ENTRY_APPLIED"
	KindIdempotencyPut                = "IDEMPOTENCY_PUT"
	KindOutboxEnqueue                 = "OUTBOX_ENQUEUE"
	KindIngestRecordsPut              = "INGEST_RECORDS_PUT"
)

// appendKinds maps event-append op kinds to their aggregate kind.
var appendKinds = map[string]types.AggregateKind{
	KindJobEventsAppended:        types.AggregateJob,
	KindRobotEventsAppended:      types.AggregateRobot,
	KindOperatorEventsAppended:   types.AggregateOperator,
	KindAgentRunEventsAppended:   types.AggregateAgentRun,
	KindMonthCloseEventsAppended: types.AggregateMonthClose,
	KindSessionEventsAppended:    types.AggregateSession,
}

// upsertSpec describes one last-write-wins upsert family. The record key
// is the concatenation of the values of IDFields, so composite keys like
// (policyId, policyVersion) fall out of the same table.
type upsertSpec struct {
	Collection string
	IDFields   []string
}

// upsertKinds is the registry of upsert op kinds.
var upsertKinds = map[string]upsertSpec{
	"ROBOT_UPSERT":                       {"robots", []string{"robotId"}},
	"OPERATOR_UPSERT":                    {"operators", []string{"operatorId"}},
	"CONTRACT_UPSERT":                    {"contracts", []string{"contractId"}},
	"AGENT_IDENTITY_UPSERT":              {"agent_identities", []string{"agentId"}},
	"AGENT_CARD_UPSERT":                  {"agent_cards", []string{"cardId"}},
	"AGENT_PASSPORT_UPSERT":              {"agent_passports", []string{"passportId"}},
	"AGENT_WALLET_UPSERT":                {"agent_wallets", []string{"walletId"}},
	"SESSION_UPSERT":                     {"sessions", []string{"sessionId"}},
	"SIGNER_KEY_UPSERT":                  {"signer_keys", []string{"keyId"}},
	"AUTH_KEY_UPSERT":                    {"auth_keys", []string{"keyId"}},
	"ARBITRATION_CASE_UPSERT":            {"arbitration_cases", []string{"caseId"}},
	"DELEGATION_GRANT_UPSERT":            {"delegation_grants", []string{"grantId"}},
	"TASK_QUOTE_UPSERT":                  {"task_quotes", []string{"quoteId"}},
	"TASK_OFFER_UPSERT":                  {"task_offers", []string{"offerId"}},
	"TASK_ACCEPTANCE_UPSERT":             {"task_acceptances", []string{"acceptanceId"}},
	"CAPABILITY_ATTESTATION_UPSERT":      {"capability_attestations", []string{"attestationId"}},
	"SUBAGENT_WORK_ORDER_UPSERT":         {"subagent_work_orders", []string{"workOrderId"}},
	"SUBAGENT_COMPLETION_RECEIPT_UPSERT": {"subagent_completion_receipts", []string{"receiptId"}},
	"STATE_CHECKPOINT_UPSERT":            {"state_checkpoints", []string{"checkpointId"}},
	"SESSION_RELAY_STATE_UPSERT":         {"session_relay_states", []string{"relayId"}},
	"X402_GATE_UPSERT":                   {"x402_gates", []string{"gateId"}},
	"X402_AGENT_LIFECYCLE_UPSERT":        {"x402_agent_lifecycles", []string{"agentId"}},
	"TENANT_SETTLEMENT_POLICY_UPSERT":    {"settlement_policies", []string{"policyId", "policyVersion"}},
	"GOVERNANCE_TEMPLATE_UPSERT":         {"governance_templates", []string{"templateId"}},
	"ROLLOUT_UPSERT":                     {"rollouts", []string{"rolloutId"}},
	"X402_WEBHOOK_ENDPOINT_UPSERT":       {"x402_webhook_endpoints", []string{"endpointId"}},
	"TOOL_CALL_HOLD_UPSERT":              {"tool_call_holds", []string{"holdId"}},
	"MARKETPLACE_RFQ_UPSERT":             {"marketplace_rfqs", []string{"rfqId"}},
	"SIMULATION_RUN_UPSERT":              {"simulation_runs", []string{"runId"}},
	"DESTINATION_UPSERT":                 {"destinations", []string{"destinationId"}},
}

// immutableSpec describes a put-once family. Identical re-puts are no-ops
// unless Strict, in which case any existing key is a conflict.
type immutableSpec struct {
	Collection string
	IDField    string
	Code       string
	Strict     bool
}

var immutableKinds = map[string]immutableSpec{
	KindX402ReceiptPut:           {"x402_receipts", "receiptId", types.CodeReceiptImmutable, false},
	KindX402ZkVerificationKeyPut: {"x402_zk_verification_keys", "keyId", types.CodeZkVerificationKeyImmutable, false},
	KindSettlementAdjustmentPut:  {"settlement_adjustments", "adjustmentId", types.CodeAdjustmentAlreadyExists, true},
}

// statusSpec describes a key-status transition family.
type statusSpec struct {
	Collection string
	IDField    string
}

var statusKinds = map[string]statusSpec{
	KindSignerKeyStatusSet: {"signer_keys", "keyId"},
	KindAuthKeyStatusSet:   {"auth_keys", "keyId"},
}

// signerKeyIndexCollection maps a signer public key to its key id.
const signerKeyIndexCollection = "signer_keys_by_public_key"

// ingestCollection stores ingest records deduped by (source, externalEventId).
const ingestCollection = "ingest_records"

// Collections used by the emergency control family.
const (
	controlEventsCollection = "emergency_control_events"
	controlStatesCollection = "emergency_control_states"
)

// SnapshotCollection names the snapshot collection for an aggregate kind.
func SnapshotCollection(kind types.AggregateKind) string {
	return "snapshots_" + string(kind)
}
