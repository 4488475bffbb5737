// Package pairing tracks interactive pairing attempts, at most one per
// device identifier. Each attempt runs against a dedicated short-lived
// backend instance that is discarded once credentials are obtained or the
// attempt ends.
package pairing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

type session struct {
	attemptID string
	backend   backend.Backend
}

// Registry routes pairing actions to the correct live attempt.
type Registry struct {
	factory backend.Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(factory backend.Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:  factory,
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// Start begins a pairing attempt for the device. A prior attempt for the
// same identifier is aborted and replaced.
func (r *Registry) Start(ctx context.Context, cfg domain.DeviceConfig, protocol string) (domain.PairResult, error) {
	id := cfg.Identifier()

	// Starting anew implicitly aborts the previous attempt.
	r.Abort(id)

	b, err := r.factory.New(cfg)
	if err != nil {
		return domain.PairResult{Status: domain.PairFailed}, err
	}

	result, err := b.PairStart(ctx, protocol)
	if err != nil {
		_ = b.Close()
		return result, err
	}

	if result.Status == domain.PairPaired {
		// Paired without a PIN: the attempt is already consumed.
		_ = b.Close()
		r.logger.Info("pairing finished without PIN", slog.String("device", id))
		return result, nil
	}

	sess := &session{attemptID: uuid.NewString(), backend: b}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Info("pairing awaiting PIN",
		slog.String("device", id),
		slog.String("attempt", sess.attemptID),
		slog.String("protocol", protocol))
	return result, nil
}

// SubmitPin routes a PIN to the device's live attempt. The attempt is
// consumed regardless of outcome.
func (r *Registry) SubmitPin(ctx context.Context, id, pin string) (domain.PairResult, error) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if sess == nil {
		return domain.PairResult{Status: domain.PairFailed}, domain.ErrNoSession
	}

	result, err := sess.backend.PairFinish(ctx, pin)
	_ = sess.backend.Close()
	if err != nil {
		r.logger.Warn("pairing failed",
			slog.String("device", id),
			slog.String("attempt", sess.attemptID),
			slog.String("error", err.Error()))
		return result, err
	}

	r.logger.Info("pairing complete", slog.String("device", id), slog.String("attempt", sess.attemptID))
	return result, nil
}

// Abort terminates the device's live attempt, if any. Idempotent.
func (r *Registry) Abort(id string) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.backend.PairAbort()
	_ = sess.backend.Close()
	r.logger.Debug("pairing aborted", slog.String("device", id), slog.String("attempt", sess.attemptID))
}

// Active reports whether a live attempt exists for the identifier.
func (r *Registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Close aborts every live attempt.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Abort(id)
	}
}
