package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crystal-atelier/api/internal/platform/auth"
	"github.com/crystal-atelier/api/internal/platform/httpx"
)

const (
	defaultHeader  = "Idempotency-Key"
	replayHeader   = "Idempotent-Replayed"
	maxKeyLength   = 255
	maxBodyToStore = 1 << 20
)

type settings struct {
	header string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option customises Middleware.
type Option func(*settings)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayable.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Middleware requires a key on mutating requests and replays the first completed response for
// repeated keys. Keys are scoped to the authenticated caller, or shared by anonymous callers.
// Responses with a 5xx status are not kept, so a client may retry them under the same key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := settings{header: defaultHeader, ttl: DefaultTTL, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" || len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header must hold 1-255 characters", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := requester(ctx)
			scoped := caller + "|" + key
			fingerprint := sha256Hex([]byte(strings.Join([]string{r.Method, r.URL.Path, caller, sha256Hex(body)}, "\n")))

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.now(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key was used for a different request", http.StatusConflict))
				return
			case err != nil:
				cfg.logger.Error("idempotency: reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.Outcome {
			case OutcomeReplay:
				replay(w, reservation.Record.Response)
				return
			case OutcomeInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still running", http.StatusConflict))
				return
			}

			// Detached so a client disconnect cannot leave the key pending.
			storeCtx := context.WithoutCancel(ctx)

			rec := &recorder{header: make(http.Header)}
			func() {
				defer func() {
					if p := recover(); p != nil {
						if err := store.Release(storeCtx, scoped); err != nil {
							cfg.logger.Warn("idempotency: release after panic failed", zap.Error(err))
						}
						panic(p)
					}
				}()
				next.ServeHTTP(rec, r)
			}()

			if rec.status() >= http.StatusInternalServerError || rec.body.Len() > maxBodyToStore {
				if err := store.Release(storeCtx, scoped); err != nil {
					cfg.logger.Warn("idempotency: release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: rec.status(), Headers: rec.header, Body: rec.body.Bytes()}
				if err := store.Complete(storeCtx, scoped, fingerprint, resp, cfg.now(), cfg.ttl); err != nil {
					cfg.logger.Error("idempotency: saving response failed", zap.Error(err))
					if err := store.Release(storeCtx, scoped); err != nil {
						cfg.logger.Warn("idempotency: release failed", zap.Error(err))
					}
				}
			}
			rec.flush(w)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Headers {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// recorder buffers the handler's response until the outcome has been stored.
type recorder struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}

func (r *recorder) flush(w http.ResponseWriter) {
	for name, values := range r.header {
		w.Header()[name] = values
	}
	w.WriteHeader(r.status())
	_, _ = w.Write(r.body.Bytes())
}
