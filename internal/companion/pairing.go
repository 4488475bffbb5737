package companion

import (
	"context"

	"github.com/atvbridge/atvbridge/internal/domain"
)

// pairState tracks the in-flight pairing exchange on this instance. The
// companion transport pairs over the socket itself, so the "process" here
// is just the connection plus a phase flag.
type pairState struct {
	conn     conn
	awaiting bool
}

// PairStart begins a pairing exchange over a dedicated connection.
func (b *Backend) PairStart(ctx context.Context, protocol string) (domain.PairResult, error) {
	b.PairAbort()

	c, err := b.dial(b.endpoint())
	if err != nil {
		return domain.PairResult{Status: domain.PairFailed},
			&domain.ExecError{Message: "companion pairing connect failed: " + err.Error()}
	}

	if err := c.WriteJSON(frame{Type: "pair_start", Protocol: protocol}); err != nil {
		_ = c.Close()
		return domain.PairResult{Status: domain.PairFailed},
			&domain.ExecError{Message: "companion pairing write failed: " + err.Error()}
	}

	_ = c.SetReadDeadline(pairDeadline())
	var f frame
	if err := c.ReadJSON(&f); err != nil {
		_ = c.Close()
		return domain.PairResult{Status: domain.PairFailed},
			&domain.TimeoutError{Op: "pairing PIN prompt", Limit: pairReadTimeout}
	}

	switch f.Status {
	case string(domain.PairPaired):
		_ = c.Close()
		return domain.PairResult{Status: domain.PairPaired, Credentials: f.Credentials}, nil
	case string(domain.PairAwaitingPin):
		b.mu.Lock()
		b.pairing = &pairState{conn: c, awaiting: true}
		b.mu.Unlock()
		return domain.PairResult{Status: domain.PairAwaitingPin}, nil
	default:
		_ = c.Close()
		return domain.PairResult{Status: domain.PairFailed},
			&domain.LogicError{Message: "pairing rejected: " + f.Reason}
	}
}

// PairFinish submits the PIN over the pairing connection.
func (b *Backend) PairFinish(ctx context.Context, pin string) (domain.PairResult, error) {
	b.mu.Lock()
	state := b.pairing
	b.pairing = nil
	b.mu.Unlock()

	if state == nil || !state.awaiting {
		return domain.PairResult{Status: domain.PairFailed}, domain.ErrNoSession
	}
	defer func() { _ = state.conn.Close() }()

	if err := state.conn.WriteJSON(frame{Type: "pair_pin", PIN: pin}); err != nil {
		return domain.PairResult{Status: domain.PairFailed},
			&domain.ExecError{Message: "companion PIN write failed: " + err.Error()}
	}

	_ = state.conn.SetReadDeadline(pairDeadline())
	var f frame
	if err := state.conn.ReadJSON(&f); err != nil {
		return domain.PairResult{Status: domain.PairFailed},
			&domain.TimeoutError{Op: "pairing PIN verification", Limit: pairReadTimeout}
	}

	if f.Status == string(domain.PairPaired) {
		return domain.PairResult{Status: domain.PairPaired, Credentials: f.Credentials}, nil
	}
	return domain.PairResult{Status: domain.PairFailed},
		&domain.LogicError{Message: "pairing verification failed: " + f.Reason}
}

// PairAbort drops any in-flight pairing exchange. Idempotent.
func (b *Backend) PairAbort() {
	b.mu.Lock()
	state := b.pairing
	b.pairing = nil
	b.mu.Unlock()

	if state != nil {
		_ = state.conn.Close()
	}
}
