package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxSignedBodyBytes = 1 << 20

// NonceStore tracks used nonces for replay prevention.
type NonceStore interface {
	// UseNonce records nonce within scope until expiry. It returns false when the nonce was
	// already used.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "\x00" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACSettings names the signature headers and the accepted clock window.
type HMACSettings struct {
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// HMACValidator verifies webhook requests signed with a shared secret. The signed message is
//
//	METHOD \n escaped-path \n timestamp \n nonce \n hex(sha256(body))
//
// and the signature header carries HMAC-SHA256 of it, base64 or hex encoded.
type HMACValidator struct {
	secrets  map[string][]byte
	nonces   NonceStore
	settings HMACSettings
	logger   *zap.Logger
	now      func() time.Time
}

// NewHMACValidator builds a validator over already-resolved secrets keyed by integration name.
func NewHMACValidator(secrets map[string]string, nonces NonceStore, settings HMACSettings, logger *zap.Logger) *HMACValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.SignatureHeader == "" {
		settings.SignatureHeader = "X-Signature"
	}
	if settings.TimestampHeader == "" {
		settings.TimestampHeader = "X-Signature-Timestamp"
	}
	if settings.NonceHeader == "" {
		settings.NonceHeader = "X-Signature-Nonce"
	}
	if settings.ClockSkew <= 0 {
		settings.ClockSkew = 5 * time.Minute
	}
	if settings.NonceTTL <= 0 {
		settings.NonceTTL = 5 * time.Minute
	}

	keyed := make(map[string][]byte, len(secrets))
	for name, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			keyed[strings.ToLower(strings.TrimSpace(name))] = []byte(secret)
		}
	}
	return &HMACValidator{secrets: keyed, nonces: nonces, settings: settings, logger: logger, now: time.Now}
}

// RequireHMAC rejects requests whose signature does not verify with the secret called name.
func (v *HMACValidator) RequireHMAC(name string) func(http.Handler) http.Handler {
	name = strings.ToLower(strings.TrimSpace(name))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			secret, ok := v.secrets[name]
			if !ok || v.nonces == nil {
				writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "webhook signing not configured")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.settings.SignatureHeader))
			timestampValue := strings.TrimSpace(r.Header.Get(v.settings.TimestampHeader))
			nonce := strings.TrimSpace(r.Header.Get(v.settings.NonceHeader))
			if signatureValue == "" || timestampValue == "" || nonce == "" {
				writeAuthError(ctx, w, http.StatusUnauthorized, "signature_missing", "signature headers missing")
				return
			}

			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				writeAuthError(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}
			now := v.now()
			if skew := now.Sub(timestamp); skew > v.settings.ClockSkew || skew < -v.settings.ClockSkew {
				writeAuthError(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
			if err != nil {
				writeAuthError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signature, err := decodeSignature(signatureValue)
			if err != nil || !hmac.Equal(signature, computeHMAC(secret, canonicalMessage(r, body, timestampValue, nonce))) {
				writeAuthError(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			fresh, err := v.nonces.UseNonce(ctx, name, nonce, now.Add(v.settings.NonceTTL))
			if err != nil {
				v.logger.Warn("auth: nonce store error", zap.Error(err))
				writeAuthError(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
				return
			}
			if !fresh {
				writeAuthError(ctx, w, http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SignRequest returns the base64 signature a caller of RequireHMAC sends for the request.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return base64.StdEncoding.EncodeToString(computeHMAC([]byte(secret), canonicalMessage(req, body, timestamp, nonce)))
}

func canonicalMessage(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{strings.ToUpper(r.Method), path, timestamp, nonce, hex.EncodeToString(sum[:])}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

// decodeSignature accepts hex (64 chars) or standard base64. Hex is tried first because every
// hex string is also valid base64.
func decodeSignature(value string) ([]byte, error) {
	if len(value) == sha256.Size*2 {
		if decoded, err := hex.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC 3339 or unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("auth: unable to parse timestamp")
	}
	return time.Unix(seconds, 0).UTC(), nil
}
