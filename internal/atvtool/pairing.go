package atvtool

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/atvbridge/atvbridge/internal/domain"
)

const pairStepTimeout = 30 * time.Second

// PIN prompt markers printed by the pairing tool. Matched case-sensitive
// against every combined output line.
var pinMarkers = []string{"Enter PIN", "pin:"}

// pairingProcess is one live interactive pairing attempt owned by a
// Backend instance.
type pairingProcess struct {
	proc    process
	machine *fsm.FSM
	output  strings.Builder
}

func newPairingMachine() *fsm.FSM {
	return fsm.NewFSM(
		"idle",
		fsm.Events{
			{Name: "start", Src: []string{"idle"}, Dst: "starting"},
			{Name: "prompt", Src: []string{"starting"}, Dst: "awaiting_pin"},
			{Name: "verify", Src: []string{"awaiting_pin"}, Dst: "verifying"},
			{Name: "paired", Src: []string{"starting", "verifying"}, Dst: "paired"},
			{Name: "fail", Src: []string{"starting", "awaiting_pin", "verifying"}, Dst: "failed"},
			{Name: "abort", Src: []string{"starting", "awaiting_pin", "verifying"}, Dst: "aborted"},
		},
		fsm.Callbacks{},
	)
}

func (p *pairingProcess) appendLine(line string) {
	p.output.WriteString(line)
	p.output.WriteByte('\n')
}

func hasPinMarker(line string) bool {
	for _, marker := range pinMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// PairStart spawns the interactive pairing tool for the given protocol.
// It resolves once the PIN prompt is observed, or directly with
// credentials when the device pairs without a PIN.
func (b *Backend) PairStart(ctx context.Context, protocol string) (domain.PairResult, error) {
	// At most one live pairing process per backend instance.
	b.PairAbort()

	args := append(b.deviceArgs(), "--protocol", protocol, "pair")
	proc, err := b.start(atvremoteBin, args...)
	if err != nil {
		return domain.PairResult{Status: domain.PairFailed},
			&domain.ExecError{Message: "failed to spawn pairing process: " + err.Error()}
	}

	session := &pairingProcess{proc: proc, machine: newPairingMachine()}
	_ = session.machine.Event(ctx, "start")

	timeout := time.NewTimer(b.pairTimeout)
	defer timeout.Stop()

	stdout := proc.Stdout()
	stderr := proc.Stderr()

	for {
		select {
		case <-ctx.Done():
			proc.Kill()
			go drainProcess(proc)
			return domain.PairResult{Status: domain.PairAborted}, ctx.Err()

		case <-timeout.C:
			_ = session.machine.Event(ctx, "abort")
			proc.Kill()
			go drainProcess(proc)
			return domain.PairResult{Status: domain.PairFailed},
				&domain.TimeoutError{Op: "pairing PIN prompt", Limit: b.pairTimeout}

		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				if stderr == nil {
					return b.settlePairStartExit(ctx, session)
				}
				continue
			}
			if result, done := b.observeStartLine(ctx, session, line); done {
				return result, nil
			}

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				if stdout == nil {
					return b.settlePairStartExit(ctx, session)
				}
				continue
			}
			if result, done := b.observeStartLine(ctx, session, line); done {
				return result, nil
			}
		}
	}
}

func (b *Backend) observeStartLine(ctx context.Context, session *pairingProcess, line string) (domain.PairResult, bool) {
	session.appendLine(line)
	if !hasPinMarker(line) {
		return domain.PairResult{}, false
	}

	_ = session.machine.Event(ctx, "prompt")
	b.mu.Lock()
	b.pair = session
	b.mu.Unlock()
	b.logger.Info("pairing awaiting PIN")
	return domain.PairResult{Status: domain.PairAwaitingPin}, true
}

// settlePairStartExit handles the process exiting before any PIN prompt:
// some devices pair without a PIN, so the output may already carry
// credentials.
func (b *Backend) settlePairStartExit(ctx context.Context, session *pairingProcess) (domain.PairResult, error) {
	<-session.proc.Done()

	output := session.output.String()
	if credentials, ok := extractCredentials(output); ok {
		_ = session.machine.Event(ctx, "paired")
		b.logger.Info("paired without PIN prompt")
		return domain.PairResult{Status: domain.PairPaired, Credentials: credentials}, nil
	}

	_ = session.machine.Event(ctx, "fail")
	return domain.PairResult{Status: domain.PairFailed},
		&domain.ExecError{
			Message: "pairing process exited before PIN prompt",
			Stderr:  domain.BoundedExcerpt([]byte(output)),
		}
}

// PairFinish writes the PIN to the live pairing process and collects
// output until it exits.
func (b *Backend) PairFinish(ctx context.Context, pin string) (domain.PairResult, error) {
	b.mu.Lock()
	session := b.pair
	b.mu.Unlock()

	if session == nil || session.machine.Current() != "awaiting_pin" {
		return domain.PairResult{Status: domain.PairFailed}, domain.ErrNoSession
	}
	_ = session.machine.Event(ctx, "verify")

	if err := session.proc.WriteLine(pin); err != nil {
		b.clearPairing(session)
		session.proc.Kill()
		go drainProcess(session.proc)
		return domain.PairResult{Status: domain.PairFailed},
			&domain.ExecError{Message: "failed to submit PIN: " + err.Error()}
	}

	timeout := time.NewTimer(b.pairTimeout)
	defer timeout.Stop()

	stdout := session.proc.Stdout()
	stderr := session.proc.Stderr()

	for stdout != nil || stderr != nil {
		select {
		case <-ctx.Done():
			b.clearPairing(session)
			session.proc.Kill()
			go drainProcess(session.proc)
			return domain.PairResult{Status: domain.PairAborted}, ctx.Err()

		case <-timeout.C:
			_ = session.machine.Event(ctx, "abort")
			b.clearPairing(session)
			session.proc.Kill()
			go drainProcess(session.proc)
			return domain.PairResult{Status: domain.PairFailed},
				&domain.TimeoutError{Op: "pairing PIN verification", Limit: b.pairTimeout}

		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			session.appendLine(line)

		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			session.appendLine(line)
		}
	}

	<-session.proc.Done()
	b.clearPairing(session)

	output := session.output.String()
	if credentials, ok := extractCredentials(output); ok {
		_ = session.machine.Event(ctx, "paired")
		b.logger.Info("pairing complete")
		return domain.PairResult{Status: domain.PairPaired, Credentials: credentials}, nil
	}

	if session.proc.ExitErr() == nil {
		// Zero exit without a recognizable marker: hand back the raw
		// output as a best-effort credential value.
		_ = session.machine.Event(ctx, "paired")
		return domain.PairResult{Status: domain.PairPaired, Credentials: strings.TrimSpace(output)}, nil
	}

	_ = session.machine.Event(ctx, "fail")
	return domain.PairResult{Status: domain.PairFailed},
		&domain.ExecError{
			Message: "pairing verification failed",
			Stderr:  domain.BoundedExcerpt([]byte(output)),
		}
}

// PairAbort terminates any live pairing process. Idempotent; safe with no
// live process and safe against an already-exited one.
func (b *Backend) PairAbort() {
	b.mu.Lock()
	session := b.pair
	b.pair = nil
	b.mu.Unlock()

	if session == nil {
		return
	}
	_ = session.machine.Event(context.Background(), "abort")
	session.proc.Kill()
	go drainProcess(session.proc)
	b.logger.Debug("pairing aborted", slog.String("state", session.machine.Current()))
}

func (b *Backend) clearPairing(session *pairingProcess) {
	b.mu.Lock()
	if b.pair == session {
		b.pair = nil
	}
	b.mu.Unlock()
}

// drainProcess consumes remaining output so the reader goroutines of a
// killed process can exit.
func drainProcess(p process) {
	stdout := p.Stdout()
	stderr := p.Stderr()
	for stdout != nil || stderr != nil {
		select {
		case _, ok := <-stdout:
			if !ok {
				stdout = nil
			}
		case _, ok := <-stderr:
			if !ok {
				stderr = nil
			}
		}
	}
}
