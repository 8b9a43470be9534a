package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTenant is used when a request carries no tenant identifier.
const DefaultTenant = "default"

// NormalizeTenant trims the tenant identifier and falls back to the default.
func NormalizeTenant(tenantID string) string {
	t := strings.TrimSpace(tenantID)
	if t == "" {
		return DefaultTenant
	}
	return t
}

// MakeScopedKey yields the map key for an entity under (tenantId, id).
// The NUL separator cannot appear in normalized identifiers.
func MakeScopedKey(tenantID, id string) string {
	return NormalizeTenant(tenantID) + "\x00" + id
}

// TimestampFormat is ISO-8601 UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the wire timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a wire timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// AggregateKind identifies an event-sourced aggregate family.
type AggregateKind string

const (
	AggregateJob        AggregateKind = "job"
	AggregateRobot      AggregateKind = "robot"
	AggregateOperator   AggregateKind = "operator"
	AggregateAgentRun   AggregateKind = "agent_run"
	AggregateMonthClose AggregateKind = "month_close"
	AggregateSession    AggregateKind = "session"
)

// DeliveryState is the lifecycle state of a delivery record.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Delivery is one outbound dispatch of a signed artifact to a destination.
// Deliveries sharing a ScopeKey are executed sequentially in
// (OrderSeq, Priority, DeliveryID) order.
type Delivery struct {
	TenantID      string        `json:"tenantId"`
	DeliveryID    string        `json:"deliveryId"`
	ScopeKey      string        `json:"scopeKey"`
	OrderSeq      int64         `json:"orderSeq"`
	Priority      int64         `json:"priority"`
	OrderKey      string        `json:"orderKey"`
	DedupeKey     string        `json:"dedupeKey"`
	DestinationID string        `json:"destinationId"`
	ArtifactID    string        `json:"artifactId"`
	ArtifactHash  string        `json:"artifactHash"`
	ArtifactType  string        `json:"artifactType"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt string        `json:"nextAttemptAt"`
	ClaimedAt     string        `json:"claimedAt,omitempty"`
	Worker        string        `json:"worker,omitempty"`
	LastStatus    int           `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	DeliveredAt   string        `json:"deliveredAt,omitempty"`
	ExpiresAt     string        `json:"expiresAt,omitempty"`
	CreatedAt     string        `json:"createdAt"`
}

// MakeOrderKey computes the stable sort key for a delivery. It is fixed at
// creation and never rewritten on claim. Newlines separate the components;
// sequence numbers are zero-padded so lexicographic order matches numeric
// order.
func MakeOrderKey(scopeKey string, orderSeq, priority int64, deliveryID string) string {
	return fmt.Sprintf("%s\n%020d\n%020d\n%s", scopeKey, orderSeq, priority, deliveryID)
}

// DestinationKind selects the dispatch path for a destination.
type DestinationKind string

const (
	DestinationWebhook DestinationKind = "webhook"
	DestinationS3      DestinationKind = "s3"
)

// Destination is an externally managed delivery target, resolved per
// tenant at delivery time. The discriminator is named "type" on the wire;
// "kind" is reserved for the operation envelope tag.
type Destination struct {
	TenantID      string          `json:"tenantId"`
	DestinationID string          `json:"destinationId"`
	Type          DestinationKind `json:"type"`

	// Webhook fields.
	URL       string `json:"url,omitempty"`
	Secret    string `json:"secret,omitempty"`    // inline secret value
	SecretRef string `json:"secretRef,omitempty"` // resolved via the secrets provider

	// S3 fields.
	Endpoint           string `json:"endpoint,omitempty"`
	Region             string `json:"region,omitempty"`
	Bucket             string `json:"bucket,omitempty"`
	Prefix             string `json:"prefix,omitempty"`
	AccessKeyIDRef     string `json:"accessKeyIdRef,omitempty"`
	SecretAccessKeyRef string `json:"secretAccessKeyRef,omitempty"`
	ForcePathStyle     *bool  `json:"forcePathStyle,omitempty"` // nil means path-style
}

// OutboxMessage is enqueued inside the same transaction as the state
// mutation that produced it, then fanned out into deliveries.
type OutboxMessage struct {
	Seq            int64    `json:"seq"`
	TenantID       string   `json:"tenantId"`
	ArtifactID     string   `json:"artifactId"`
	ArtifactHash   string   `json:"artifactHash"`
	ArtifactType   string   `json:"artifactType"`
	ScopeKey       string   `json:"scopeKey"`
	OrderSeq       int64    `json:"orderSeq"`
	Priority       int64    `json:"priority"`
	DedupeKey      string   `json:"dedupeKey"`
	DestinationIDs []string `json:"destinationIds"`
	CreatedAt      string   `json:"createdAt"`
}

// IdempotencyRecord pins the response for a previously seen request key.
// Same key + same fingerprint replays the response; same key + different
// fingerprint is a conflict.
type IdempotencyRecord struct {
	TenantID    string `json:"tenantId"`
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	Response    []byte `json:"response"`
	CreatedAt   string `json:"createdAt"`
}

// Posting is one leg of a double-entry journal entry. Amounts are in the
// currency's minor unit.
type Posting struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Debit    int64  `json:"debit"`
	Credit   int64  `json:"credit"`
}

// LedgerEntry is a balanced journal entry, applied at most once per tenant.
type LedgerEntry struct {
	TenantID string    `json:"tenantId"`
	EntryID  string    `json:"entryId"`
	At       string    `json:"at"`
	Memo     string    `json:"memo,omitempty"`
	Postings []Posting `json:"postings"`
}

// ControlAction is the verb carried by an emergency control event.
type ControlAction string

const (
	ControlActivate ControlAction = "ACTIVATE"
	ControlResume   ControlAction = "RESUME"
)

// ControlState is the derived last-write-wins state for one
// (tenantId, scopeType, scopeId, controlType) tuple. Revision increases
// strictly with every derivation.
type ControlState struct {
	TenantID    string `json:"tenantId"`
	ScopeType   string `json:"scopeType"`
	ScopeID     string `json:"scopeId"`
	ControlType string `json:"controlType"`
	Active      bool   `json:"active"`
	Revision    int64  `json:"revision"`
	UpdatedAt   string `json:"updatedAt"`
	EventID     string `json:"eventId"`
}

// Artifact is an immutable signed payload addressed by id and content hash.
type Artifact struct {
	TenantID  string `json:"tenantId"`
	ID        string `json:"artifactId"`
	Hash      string `json:"artifactHash"`
	Type      string `json:"artifactType"`
	Canonical []byte `json:"canonical"`
	CreatedAt string `json:"createdAt"`
}

// SweepOutcome records the result of handling one agent during the
// insolvency sweep.
type SweepOutcome struct {
	TenantID string `json:"tenantId"`
	AgentID  string `json:"agentId"`
	Action   string `json:"action"` // "frozen", "skipped" or "error"
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SweepResult summarizes one insolvency sweep pass.
type SweepResult struct {
	OK          bool           `json:"ok"`
	StartedAt   string         `json:"startedAt"`
	TenantCount int            `json:"tenantCount"`
	Scanned     int            `json:"scanned"`
	Processed   int            `json:"processed"`
	Frozen      int            `json:"frozen"`
	Skipped     int            `json:"skipped"`
	Failures    int            `json:"failures"`
	Outcomes    []SweepOutcome `json:"outcomes"`
}
