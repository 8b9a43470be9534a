package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChainHash computes the chain hash for an event body. The body must not
// contain a chainHash member; prevChainHash must already be present (or
// absent/null for the first event). The digest binds the canonical
// encoding of the body to the previous chain hash and is returned as
// lowercase hex.
func ChainHash(body map[string]any, prevChainHash string) (string, error) {
	if _, ok := body["chainHash"]; ok {
		return "", fmt.Errorf("event body must not carry chainHash")
	}
	enc, err := Marshal(body)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(enc)
	h.Write([]byte(prevChainHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChainEvent recomputes the chain hash of a decoded event object
// (carrying both prevChainHash and chainHash members) and reports whether
// the stored hash matches.
func VerifyChainEvent(event map[string]any) (bool, error) {
	stored, _ := event["chainHash"].(string)
	prev, _ := event["prevChainHash"].(string)

	body := make(map[string]any, len(event))
	for k, v := range event {
		if k == "chainHash" {
			continue
		}
		body[k] = v
	}
	computed, err := ChainHash(body, prev)
	if err != nil {
		return false, err
	}
	return computed == stored, nil
}
