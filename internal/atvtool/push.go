package atvtool

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

// pushStream is one live push-updates subscription backed by a
// long-running atvscript invocation.
type pushStream struct {
	proc     process
	logger   *slog.Logger
	onUpdate func(domain.PushEvent)

	stopped  atomic.Bool
	stopOnce sync.Once

	// terminalOnce guards the single terminal connection event shared
	// between the exit path and the stop path.
	terminalOnce sync.Once

	after func(time.Duration, func()) *time.Timer
}

func (b *Backend) StartPushUpdates(onUpdate func(domain.PushEvent)) (backend.PushHandle, error) {
	b.mu.Lock()
	if prior := b.stream; prior != nil {
		b.stream = nil
		b.mu.Unlock()
		prior.Stop()
		b.mu.Lock()
	}

	args := append(b.deviceArgs(), "push_updates")
	proc, err := b.start(atvscriptBin, args...)
	if err != nil {
		b.mu.Unlock()
		return nil, &domain.ExecError{Message: "failed to spawn push updates process: " + err.Error()}
	}

	stream := &pushStream{
		proc:     proc,
		logger:   b.logger,
		onUpdate: onUpdate,
		after:    time.AfterFunc,
	}
	b.stream = stream
	b.mu.Unlock()

	go stream.run()
	return stream, nil
}

func (s *pushStream) run() {
	stdout := s.proc.Stdout()
	stderr := s.proc.Stderr()

	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			s.handleLine(line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			s.logger.Debug("push updates stderr", slog.String("line", line))
		}
	}

	<-s.proc.Done()
	reason := domain.ReasonProcessExit
	if s.proc.ExitErr() != nil {
		reason = domain.ReasonProcessError
	}
	s.emitTerminal(reason)
}

func (s *pushStream) handleLine(line string) {
	events, err := decomposePushLine([]byte(line))
	if err != nil {
		// A malformed or logically-failed line must not kill the stream.
		s.logger.Debug("skipping push line", slog.String("error", err.Error()), slog.String("line", domain.BoundedExcerpt([]byte(line))))
		return
	}
	for _, event := range events {
		s.deliver(event)
	}
}

func (s *pushStream) deliver(event domain.PushEvent) {
	if s.stopped.Load() {
		return
	}
	s.onUpdate(event)
}

func (s *pushStream) emitTerminal(reason string) {
	s.terminalOnce.Do(func() {
		s.deliver(domain.ConnectionEvent(false, reason))
	})
}

// Stop signals cooperative shutdown by writing a newline to the process
// input, then force-kills after the grace period if it has not exited.
// Idempotent and fire-and-forget.
func (s *pushStream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if err := s.proc.WriteLine(""); err != nil {
			s.proc.Kill()
			return
		}
		timer := s.after(stopGracePeriod, func() {
			s.proc.Kill()
		})
		go func() {
			<-s.proc.Done()
			timer.Stop()
		}()
	})
}

// decomposePushLine maps one newline-delimited JSON document onto zero or
// more push events, driven by which fields are present.
func decomposePushLine(line []byte) ([]domain.PushEvent, error) {
	if !json.Valid(line) {
		return nil, domain.NewParseError("malformed push line", line)
	}
	if result, err := jsonparser.GetString(line, "result"); err == nil && result == "failure" {
		message, _ := jsonparser.GetString(line, "error")
		if message == "" {
			message = "push line reported failure"
		}
		return nil, &domain.LogicError{Message: message}
	}

	var events []domain.PushEvent

	if power, err := jsonparser.GetString(line, "power_state"); err == nil {
		events = append(events, domain.PowerEvent(power == "on"))
	}

	_, titleErr := jsonparser.GetString(line, "title")
	_, stateErr := jsonparser.GetString(line, "device_state")
	if titleErr == nil || stateErr == nil {
		var playing scriptPlaying
		if err := json.Unmarshal(line, &playing); err != nil {
			return nil, domain.NewParseError("malformed playing fields", line)
		}
		events = append(events, domain.PlayingEvent(playing.toState()))
	}

	if volume, err := jsonparser.GetFloat(line, "volume"); err == nil {
		events = append(events, domain.VolumeEvent(volume))
	}

	if reason, err := jsonparser.GetString(line, "connection"); err == nil {
		events = append(events, domain.ConnectionEvent(false, reason))
	}

	return events, nil
}
