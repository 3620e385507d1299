// Package storage turns Cloud Storage object references into short-lived V4 signed URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultImageURLExpiry = 7 * 24 * time.Hour
	// V4 signatures are rejected by GCS beyond seven days.
	maxImageURLExpiry = 7 * 24 * time.Hour
)

var (
	// ErrInvalidReference is returned for gs:// references without a bucket or object.
	ErrInvalidReference = errors.New("storage: invalid object reference")
	errSignerRequired   = errors.New("storage: signer is required")
)

// ImageURLSigner resolves product image references for outgoing notifications. A reference is
// either an https URL, passed through unchanged, a gs://bucket/object URI, or a bare object
// name in the default bucket.
type ImageURLSigner struct {
	signer        Signer
	defaultBucket string
	expiry        time.Duration
	now           func() time.Time
}

// ImageURLSignerOption customises an ImageURLSigner.
type ImageURLSignerOption func(*ImageURLSigner)

// WithExpiry sets how long signed URLs stay valid. Values above seven days are clamped.
func WithExpiry(expiry time.Duration) ImageURLSignerOption {
	return func(s *ImageURLSigner) {
		if expiry > 0 {
			s.expiry = min(expiry, maxImageURLExpiry)
		}
	}
}

// WithClock overrides the signing clock.
func WithClock(clock func() time.Time) ImageURLSignerOption {
	return func(s *ImageURLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewImageURLSigner builds a signer for objects in defaultBucket and any bucket named by a
// gs:// reference.
func NewImageURLSigner(signer Signer, defaultBucket string, opts ...ImageURLSignerOption) (*ImageURLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errSignerRequired
	}
	s := &ImageURLSigner{
		signer:        signer,
		defaultBucket: strings.TrimSpace(defaultBucket),
		expiry:        defaultImageURLExpiry,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SignImageURL returns a URL a mail client can fetch. Empty references yield "".
func (s *ImageURLSigner) SignImageURL(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		return ref, nil
	}

	bucket, object, err := s.split(ref)
	if err != nil {
		return "", err
	}

	signed, err := gcs.SignedURL(bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Method:         "GET",
		Expires:        s.now().Add(s.expiry),
		Scheme:         gcs.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign %s/%s: %w", bucket, object, err)
	}
	return signed, nil
}

func (s *ImageURLSigner) split(ref string) (string, string, error) {
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, object, _ := strings.Cut(rest, "/")
		object = strings.TrimLeft(object, "/")
		if bucket == "" || object == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
		return bucket, object, nil
	}
	if strings.Contains(ref, "://") {
		return "", "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidReference, ref)
	}
	if s.defaultBucket == "" {
		return "", "", fmt.Errorf("%w: no bucket for %q", ErrInvalidReference, ref)
	}
	return s.defaultBucket, strings.TrimLeft(ref, "/"), nil
}
