package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn inside a Firestore transaction using the provider's client.
// Errors returned by fn are passed through unchanged; backend failures are wrapped.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return errors.New("firestore: transaction function is nil")
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if cfg.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	err = client.RunTransaction(txnCtx, fn, firestore.MaxAttempts(cfg.attempts))
	if err == nil {
		return nil
	}
	if isBackendError(err) {
		return WrapError("transaction", err)
	}
	return err
}

// RunInTx runs fn as a unit of work. Repositories built on BaseRepository read through the
// transaction and stage their writes; staged writes are visible to later reads in the same
// unit and are flushed once fn succeeds, so every transactional read precedes every write.
// A call made while a unit of work is already active joins it.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error, opts ...TxOption) error {
	if _, ok := activeTx(ctx); ok {
		return fn(ctx)
	}
	return p.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Firestore may retry this callback; every attempt starts from an empty stage.
		state := &txState{tx: tx, staged: make(map[string]int)}
		if err := fn(context.WithValue(ctx, txStateKey{}, state)); err != nil {
			return err
		}
		return state.flush()
	}, opts...)
}

type txStateKey struct{}

type stagedWrite struct {
	ref     *firestore.DocumentRef
	payload any
	value   any
	create  bool
}

type txState struct {
	tx     *firestore.Transaction
	writes []stagedWrite
	staged map[string]int
}

func activeTx(ctx context.Context) (*txState, bool) {
	if ctx == nil {
		return nil, false
	}
	state, ok := ctx.Value(txStateKey{}).(*txState)
	return state, ok && state != nil
}

// InTransaction reports whether ctx carries an active unit of work.
func InTransaction(ctx context.Context) bool {
	_, ok := activeTx(ctx)
	return ok
}

func (s *txState) stage(write stagedWrite) {
	path := write.ref.Path
	if idx, ok := s.staged[path]; ok {
		// A create followed by an update of the same document is still a create.
		write.create = write.create || s.writes[idx].create
		s.writes[idx] = write
		return
	}
	s.staged[path] = len(s.writes)
	s.writes = append(s.writes, write)
}

func (s *txState) lookup(ref *firestore.DocumentRef) (stagedWrite, bool) {
	idx, ok := s.staged[ref.Path]
	if !ok {
		return stagedWrite{}, false
	}
	return s.writes[idx], true
}

func (s *txState) flush() error {
	for _, write := range s.writes {
		var err error
		if write.create {
			err = s.tx.Create(write.ref, write.payload)
		} else {
			err = s.tx.Set(write.ref, write.payload)
		}
		if err != nil {
			return WrapError("transaction.flush", err)
		}
	}
	return nil
}
