package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nooterra/proxy/pkg/failpoint"
	"github.com/nooterra/proxy/pkg/types"
)

// attemptWebhook POSTs the canonical artifact to the destination URL.
// The signature covers timestamp followed by the canonical body so the
// receiver can verify both freshness and integrity.
func (w *Worker) attemptWebhook(ctx context.Context, d *types.Delivery, dest *types.Destination, art *types.Artifact) outcome {
	const destType = "webhook"
	if dest.URL == "" {
		return outcome{failureReason: "exception", err: errors.New("webhook destination has no url"), destinationType: destType}
	}
	secret, reason, err := w.resolveSecret(dest.Secret, dest.SecretRef)
	if err != nil {
		return outcome{failureReason: reason, err: err, destinationType: destType}
	}

	timestamp := types.FormatTimestamp(w.now())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(art.Canonical)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(art.Canonical))
	if err != nil {
		return outcome{failureReason: "exception", err: err, destinationType: destType}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("x-proxy-dedupe-key", d.DedupeKey)
	req.Header.Set("x-proxy-delivery-id", d.DeliveryID)
	req.Header.Set("x-proxy-artifact-type", d.ArtifactType)
	req.Header.Set("x-proxy-artifact-id", d.ArtifactID)
	req.Header.Set("x-proxy-artifact-hash", d.ArtifactHash)
	req.Header.Set("x-proxy-order-key", stripControlChars(d.OrderKey))
	req.Header.Set("x-proxy-timestamp", timestamp)
	req.Header.Set("x-proxy-signature", signature)

	resp, err := w.client.Do(req)
	if err != nil {
		return outcome{failureReason: classifyTransport(err), err: err, destinationType: destType}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcome{status: resp.StatusCode, failureReason: "non_2xx", destinationType: destType}
	}
	if err := failpoint.Fire(failpoint.WebhookAfterPostBeforeMark); err != nil {
		return outcome{status: resp.StatusCode, failureReason: "exception", err: err, destinationType: destType}
	}
	return outcome{ok: true, status: resp.StatusCode, destinationType: destType}
}

// stripControlChars removes control characters so the order key survives
// HTTP header validation. The stored key keeps its newlines.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
