package tx

import (
	"bytes"
	"encoding/json"

	"github.com/nooterra/proxy/pkg/canonical"
	"github.com/nooterra/proxy/pkg/types"
)

// applyEmergencyControl appends an emergency control event and derives the
// affected control-state records. The event itself is immutable: a re-put
// with byte-identical canonical form is a no-op, anything else under the
// same eventId is a conflict. RESUME is polymorphic over a set of control
// types and resets active=false; activation sets active=true. Each derived
// state takes the next strictly-increasing revision.
func (t *txn) applyEmergencyControl(op Op) error {
	body, err := decodeBody(op)
	if err != nil {
		return err
	}
	tenant := tenantOf(body)
	rawEvent, ok := body["event"].(map[string]any)
	if !ok {
		return types.Validationf("emergency control op requires an event object")
	}
	eventID, err := requireString(rawEvent, "eventId")
	if err != nil {
		return err
	}
	scopeType, err := requireString(rawEvent, "scopeType")
	if err != nil {
		return err
	}
	scopeID, err := requireString(rawEvent, "scopeId")
	if err != nil {
		return err
	}
	actionStr, err := requireString(rawEvent, "action")
	if err != nil {
		return err
	}
	action := types.ControlAction(actionStr)
	if action != types.ControlActivate && action != types.ControlResume {
		return types.Validationf("action %q must be ACTIVATE or RESUME", actionStr)
	}
	at, err := requireString(rawEvent, "at")
	if err != nil {
		return err
	}

	controlTypes, err := controlTypesOf(rawEvent)
	if err != nil {
		return err
	}

	doc, err := canonical.Marshal(rawEvent)
	if err != nil {
		return err
	}
	if existing, ok := t.getEntity(controlEventsCollection, tenant, eventID); ok {
		if bytes.Equal(existing, doc) {
			return nil // idempotent re-append
		}
		return types.Conflict(types.CodeEmergencyControlConflict,
			"emergency control event id reused with different content",
			map[string]any{"eventId": eventID, "tenantId": tenant})
	}
	t.putEntity(controlEventsCollection, tenant, eventID, doc)

	for _, controlType := range controlTypes {
		stateID := scopeType + "/" + scopeID + "/" + controlType
		var revision int64 = 1
		if existing, ok := t.getEntity(controlStatesCollection, tenant, stateID); ok {
			var prior types.ControlState
			if err := json.Unmarshal(existing, &prior); err != nil {
				return err
			}
			revision = prior.Revision + 1
		}
		state := types.ControlState{
			TenantID:    tenant,
			ScopeType:   scopeType,
			ScopeID:     scopeID,
			ControlType: controlType,
			Active:      action == types.ControlActivate,
			Revision:    revision,
			UpdatedAt:   at,
			EventID:     eventID,
		}
		stateDoc, err := canonical.Marshal(state)
		if err != nil {
			return err
		}
		t.putEntity(controlStatesCollection, tenant, stateID, stateDoc)
	}
	return nil
}

// controlTypesOf accepts either a single controlType string or a
// controlTypes array.
func controlTypesOf(event map[string]any) ([]string, error) {
	if s, ok := event["controlType"].(string); ok && s != "" {
		return []string{s}, nil
	}
	arr, ok := event["controlTypes"].([]any)
	if !ok || len(arr) == 0 {
		return nil, types.Validationf("event requires controlType or a non-empty controlTypes array")
	}
	out := make([]string, 0, len(arr))
	seen := make(map[string]bool)
	for i, v := range arr {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, types.Validationf("controlTypes[%d] must be a non-empty string", i)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}
