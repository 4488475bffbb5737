package companion

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

// subscription is one live push-updates subscription over the companion
// connection. Events racing past Stop are discarded.
type subscription struct {
	backend  *Backend
	conn     conn
	onUpdate func(domain.PushEvent)

	stopped  atomic.Bool
	stopOnce sync.Once
}

func (b *Backend) StartPushUpdates(onUpdate func(domain.PushEvent)) (backend.PushHandle, error) {
	c, err := b.ensureConn()
	if err != nil {
		return nil, err
	}

	if err := c.WriteJSON(frame{Type: "subscribe"}); err != nil {
		return nil, &domain.ExecError{Message: "companion subscribe failed: " + err.Error()}
	}

	sub := &subscription{backend: b, conn: c, onUpdate: onUpdate}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	go sub.readLoop()
	return sub, nil
}

func (s *subscription) readLoop() {
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.deliver(domain.ConnectionEvent(false, "read error: "+err.Error()))
			s.backend.dropConn(s)
			return
		}

		switch f.Type {
		case "now_playing":
			if f.Playing == nil {
				continue
			}
			state := f.Playing.toState()
			s.backend.recordPlaying(state)
			s.deliver(domain.PlayingEvent(state))
		case "power":
			if f.Power == nil {
				continue
			}
			s.backend.recordPower(*f.Power)
			s.deliver(domain.PowerEvent(*f.Power))
		case "volume":
			if f.Volume == nil {
				continue
			}
			s.deliver(domain.VolumeEvent(*f.Volume))
		case "close":
			s.deliver(domain.ConnectionEvent(false, "closed by device"))
			s.backend.dropConn(s)
			return
		case "error":
			s.deliver(domain.ConnectionEvent(false, f.Reason))
			s.backend.dropConn(s)
			return
		default:
			s.backend.logger.Debug("ignoring companion frame", slog.String("type", f.Type))
		}
	}
}

func (s *subscription) deliver(event domain.PushEvent) {
	if s.stopped.Load() {
		return
	}
	s.onUpdate(event)
}

// Stop detaches the subscription and closes the connection; late events
// are discarded.
func (s *subscription) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.backend.dropConn(s)
	})
}

func (b *Backend) recordPlaying(state domain.PlayingState) {
	b.mu.Lock()
	b.lastSeen = state
	b.mu.Unlock()
}

func (b *Backend) recordPower(on bool) {
	b.mu.Lock()
	b.havePower = true
	b.powerOn = on
	b.mu.Unlock()
}

// dropConn closes the connection backing the given subscription if it is
// still the live one.
func (b *Backend) dropConn(s *subscription) {
	b.mu.Lock()
	var c conn
	if b.sub == s {
		b.sub = nil
		c = b.conn
		b.conn = nil
	}
	b.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// pairDeadline is a helper for pairing reads over the companion channel.
func pairDeadline() time.Time {
	return time.Now().Add(pairReadTimeout)
}
