package publisher

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/http"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/errors"
	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
	"github.com/opd-ai/go-hs-iptmgr/pkg/onion"
)

// revisionCounterKey derives the per-time-period key an order-preserving
// revision counter is computed under, from the blinded identity's
// private seed half.
func revisionCounterKey(blindedPrivate ed25519.PrivateKey, period uint64) []byte {
	mac := hmac.New(sha256.New, blindedPrivate.Seed())
	mac.Write([]byte("hs-descriptor-revision-counter"))
	var periodBytes [8]byte
	binary.BigEndian.PutUint64(periodBytes[:], period)
	mac.Write(periodBytes[:])
	return mac.Sum(nil)
}

// ComputeRevisionCounter returns a 64-bit counter that is strictly
// increasing in wall-clock time within a time period: the millisecond
// offset since periodStart, plus a fixed per-TP value derived from the
// blinded identity's private seed. Adding the same value to every offset
// in a period keeps their ordering and hides only their absolute value
// across time periods.
func ComputeRevisionCounter(blindedPrivate ed25519.PrivateKey, period uint64, periodStart time.Time, now time.Time) (uint64, error) {
	if now.Before(periodStart) {
		return 0, errors.BugError("revision counter: wall clock is before time period start", nil)
	}
	offsetMs := uint64(now.Sub(periodStart).Milliseconds())

	key := revisionCounterKey(blindedPrivate, period)
	mask := binary.BigEndian.Uint64(key[:8])
	return offsetMs + (mask & 0x00000000FFFFFFFF), nil
}

// BuildDescriptor assembles and signs a v3 descriptor for one time
// period from the current set of published introduction points.
func BuildDescriptor(tp *TimePeriodContext, descSigning ed25519.PrivateKey, ipts []iptmgr.ForPublish, revisionCounter uint64, lifetime time.Duration) (*onion.Descriptor, error) {
	descriptorID := computeDescriptorID(tp.BlindedIdentity)

	introPoints := make([]onion.IntroductionPoint, 0, len(ipts))
	for _, ipt := range ipts {
		var linkSpecs []onion.LinkSpecifier
		for _, rs := range ipt.LinkSpecifiers {
			linkSpecs = append(linkSpecs, onion.LinkSpecifier{Type: 2, Data: []byte(rs.Fingerprint)})
		}
		introPoints = append(introPoints, onion.IntroductionPoint{
			LinkSpecifiers: linkSpecs,
			OnionKey:       ipt.ServiceNtorPublic[:],
			AuthKey:        ipt.SessionIdPublic,
			EncKey:         ipt.IntroducerNtorKey[:],
		})
	}

	desc := &onion.Descriptor{
		Version:         3,
		IntroPoints:     introPoints,
		DescriptorID:    descriptorID,
		BlindedPubkey:   tp.BlindedIdentity,
		RevisionCounter: revisionCounter,
		CreatedAt:       time.Now(),
		Lifetime:        lifetime,
	}

	encoded, err := onion.EncodeDescriptor(desc)
	if err != nil {
		return nil, errors.BugError("encode descriptor", err)
	}
	desc.Signature = ed25519.Sign(descSigning, encoded)

	encoded, err = onion.EncodeDescriptor(desc)
	if err != nil {
		return nil, errors.BugError("encode signed descriptor", err)
	}
	desc.RawDescriptor = encoded
	return desc, nil
}

func computeDescriptorID(blindedPubkey []byte) []byte {
	h := sha256.Sum256(blindedPubkey)
	return h[:]
}

// Uploader POSTs an encoded descriptor to an HsDir's publish endpoint.
type Uploader struct {
	httpClient *http.Client
}

// NewUploader builds an Uploader with a fixed per-request timeout,
// matching pkg/directory.Client's http.Client usage.
func NewUploader() *Uploader {
	return &Uploader{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// UploadOnce performs a single upload attempt, with no retry logic of its
// own; callers wrap it with errors.PublisherUploadRetryPolicy().
func (u *Uploader) UploadOnce(ctx context.Context, hsdir iptmgr.RelayIdentity, raw []byte) error {
	url := fmt.Sprintf("https://%s/tor/hs/3/publish", hsdir.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return errors.UploadError("build upload request", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return errors.UploadError(fmt.Sprintf("upload to %s", hsdir.Fingerprint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.UploadError(fmt.Sprintf("hsdir %s rejected descriptor: status %d", hsdir.Fingerprint, resp.StatusCode), nil)
	}
	return nil
}

// UploadWithRetry uploads raw to hsdir, retrying per
// errors.PublisherUploadRetryPolicy() until success, a non-retryable
// error, or ctx is done.
func (u *Uploader) UploadWithRetry(ctx context.Context, hsdir iptmgr.RelayIdentity, raw []byte) error {
	policy := errors.PublisherUploadRetryPolicy()
	return errors.RetryWithPolicy(ctx, policy, func() error {
		return u.UploadOnce(ctx, hsdir, raw)
	})
}
