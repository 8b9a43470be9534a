package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/nooterra/proxy/pkg/failpoint"
	"github.com/nooterra/proxy/pkg/types"
)

const presignExpirySeconds = 300

// attemptS3 PUTs the canonical artifact to object storage through a
// five-minute presigned URL. Path-style addressing is the default;
// forcePathStyle=false switches to virtual-hosted style.
func (w *Worker) attemptS3(ctx context.Context, d *types.Delivery, dest *types.Destination, art *types.Artifact) outcome {
	const destType = "s3"
	if dest.Endpoint == "" || dest.Region == "" || dest.Bucket == "" {
		return outcome{
			failureReason:   "exception",
			err:             errors.New("s3 destination requires endpoint, region and bucket"),
			destinationType: destType,
		}
	}
	accessKeyID, reason, err := w.resolveSecret("", dest.AccessKeyIDRef)
	if err != nil {
		return outcome{failureReason: reason, err: err, destinationType: destType}
	}
	secretAccessKey, reason, err := w.resolveSecret("", dest.SecretAccessKeyRef)
	if err != nil {
		return outcome{failureReason: reason, err: err, destinationType: destType}
	}

	objectURL, err := s3ObjectURL(dest, d)
	if err != nil {
		return outcome{failureReason: "exception", err: err, destinationType: destType}
	}

	presignReq, err := http.NewRequest(http.MethodPut, objectURL, nil)
	if err != nil {
		return outcome{failureReason: "exception", err: err, destinationType: destType}
	}
	q := presignReq.URL.Query()
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", presignExpirySeconds))
	presignReq.URL.RawQuery = q.Encode()

	creds := aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}
	signer := v4.NewSigner()
	signedURL, _, err := signer.PresignHTTP(ctx, creds, presignReq,
		"UNSIGNED-PAYLOAD", "s3", dest.Region, w.now())
	if err != nil {
		return outcome{failureReason: "exception", err: err, destinationType: destType}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(art.Canonical))
	if err != nil {
		return outcome{failureReason: "exception", err: err, destinationType: destType}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return outcome{failureReason: classifyTransport(err), err: err, destinationType: destType}
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcome{status: resp.StatusCode, failureReason: "non_2xx", destinationType: destType}
	}
	if err := failpoint.Fire(failpoint.S3AfterPutBeforeMark); err != nil {
		return outcome{status: resp.StatusCode, failureReason: "exception", err: err, destinationType: destType}
	}
	return outcome{ok: true, status: resp.StatusCode, destinationType: destType}
}

// s3ObjectURL builds the object URL for a delivery:
// {prefix?}/tenants/{tenant}/artifacts/{type}/{id}_{hash}.json with every
// path segment sanitized.
func s3ObjectURL(dest *types.Destination, d *types.Delivery) (string, error) {
	base, err := url.Parse(dest.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid s3 endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("s3 endpoint %q must be an absolute URL", dest.Endpoint)
	}

	artifactType := d.ArtifactType
	if artifactType == "" {
		artifactType = "artifact"
	}
	key := fmt.Sprintf("tenants/%s/artifacts/%s/%s_%s.json",
		sanitizeSegment(d.TenantID), sanitizeSegment(artifactType),
		sanitizeSegment(d.ArtifactID), sanitizeSegment(d.ArtifactHash))
	if p := strings.Trim(dest.Prefix, "/"); p != "" {
		key = p + "/" + key
	}

	pathStyle := dest.ForcePathStyle == nil || *dest.ForcePathStyle
	if pathStyle {
		base.Path = strings.TrimRight(base.Path, "/") + "/" + dest.Bucket + "/" + key
	} else {
		base.Host = dest.Bucket + "." + base.Host
		base.Path = strings.TrimRight(base.Path, "/") + "/" + key
	}
	return base.String(), nil
}

// sanitizeSegment keeps object keys to a single path segment.
func sanitizeSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	return r.Replace(s)
}
