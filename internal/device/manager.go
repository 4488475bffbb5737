// Package device owns the per-device connectivity state machine. A
// Manager drives exactly one backend instance through connect/disconnect,
// prefers event-push delivery, falls back to timed polling, and schedules
// exponential-backoff reconnection when a push connection is lost.
package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StatePushActive   = "push_active"
	StatePollActive   = "poll_active"
	StateReconnecting = "reconnecting"
	StateGivenUp      = "given_up"
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultArtworkInterval = 30 * time.Second
	pollCallTimeout        = 8 * time.Second

	defaultReconnectBase = 5 * time.Second
	defaultReconnectMax  = 5 * time.Minute
	maxReconnectAttempts = 10

	artworkWidth  = 400
	artworkHeight = 400
)

// Manager is the per-device connectivity controller.
type Manager struct {
	cfg     domain.DeviceConfig
	factory backend.Factory
	sink    StateSink
	logger  *slog.Logger
	machine *fsm.FSM

	pollInterval    time.Duration
	artworkInterval time.Duration
	reconnectBase   time.Duration
	reconnectMax    time.Duration
	maxAttempts     int
	afterFunc       func(time.Duration, func()) *time.Timer

	mu             sync.Mutex
	backend        backend.Backend
	push           backend.PushHandle
	pollStop       chan struct{}
	artworkStop    chan struct{}
	reconnectTimer *time.Timer
	connected      bool
	attempts       int
	// pendingLoss records a connection loss delivered while Connect is
	// still in flight, so Connect can settle it instead of dropping it.
	pendingLoss bool
	// epoch invalidates callbacks and loops of prior sessions.
	epoch uint64
}

// NewManager builds a Manager; the backend is created fresh on every
// connect attempt.
func NewManager(cfg domain.DeviceConfig, factory backend.Factory, sink StateSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		cfg:             cfg,
		factory:         factory,
		sink:            sink,
		logger:          logger.With(slog.String("device", cfg.Identifier())),
		machine:         newConnectivityMachine(),
		pollInterval:    pollInterval,
		artworkInterval: defaultArtworkInterval,
		reconnectBase:   defaultReconnectBase,
		reconnectMax:    defaultReconnectMax,
		maxAttempts:     maxReconnectAttempts,
		afterFunc:       time.AfterFunc,
	}
}

func newConnectivityMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: "connect", Src: []string{StateDisconnected, StateReconnecting, StateGivenUp}, Dst: StateConnecting},
			{Name: "push_ok", Src: []string{StateConnecting}, Dst: StatePushActive},
			{Name: "poll_fallback", Src: []string{StateConnecting}, Dst: StatePollActive},
			{Name: "lost", Src: []string{StatePushActive}, Dst: StateReconnecting},
			// A failed reconnect attempt passes through disconnected, so
			// give_up must be reachable from there too.
			{Name: "give_up", Src: []string{StateReconnecting, StatePushActive, StateDisconnected}, Dst: StateGivenUp},
			{Name: "reset", Src: []string{StateConnecting, StatePushActive, StatePollActive, StateReconnecting, StateGivenUp}, Dst: StateDisconnected},
		},
		fsm.Callbacks{},
	)
}

// State reports the connectivity state machine's current state.
func (m *Manager) State() string { return m.machine.Current() }

// Connected reports whether the device is currently reachable.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Config returns the immutable device configuration.
func (m *Manager) Config() domain.DeviceConfig { return m.cfg }

// Connect opens a fresh backend, refreshes static device info, then
// attempts push delivery with fallback to polling. Safe to call after
// Disconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.backend != nil {
		m.mu.Unlock()
		return nil
	}
	b, err := m.factory.New(m.cfg)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("create backend: %w", err)
	}
	m.backend = b
	epoch := m.epoch
	m.mu.Unlock()

	_ = m.machine.Event(ctx, "connect")
	m.refreshDeviceInfo(ctx, b)

	handle, err := b.StartPushUpdates(func(event domain.PushEvent) {
		m.handlePushEvent(epoch, event)
	})
	if err == nil {
		m.mu.Lock()
		if epoch != m.epoch {
			// Disconnect raced us between publishing the backend and
			// storing the handle; the session is already discarded.
			m.mu.Unlock()
			handle.Stop()
			return nil
		}
		m.push = handle
		m.attempts = 0
		m.mu.Unlock()
		_ = m.machine.Event(ctx, "push_ok")

		m.mu.Lock()
		pending := m.pendingLoss
		m.pendingLoss = false
		m.mu.Unlock()
		if pending {
			// The push process died before Connect finished settling.
			m.logger.Warn("push connection lost during connect")
			m.setConnected(false)
			_ = m.machine.Event(ctx, "lost")
			m.scheduleReconnect()
			return nil
		}

		m.setConnected(true)
		m.startArtworkLoop(epoch, b)
		m.logger.Info("connected in push mode")
		return nil
	}

	m.logger.Warn("push updates unavailable, falling back to polling", slog.String("error", err.Error()))
	_ = m.machine.Event(ctx, "poll_fallback")
	m.startPollLoop(epoch, b)
	return nil
}

// Disconnect tears the session down completely: push handle, poll timer,
// reconnect timer and artwork timer are each cleared independently. Safe
// to call multiple times and from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	push := m.push
	m.push = nil
	poll := m.pollStop
	m.pollStop = nil
	artwork := m.artworkStop
	m.artworkStop = nil
	timer := m.reconnectTimer
	m.reconnectTimer = nil
	b := m.backend
	m.backend = nil
	m.pendingLoss = false
	m.epoch++
	m.mu.Unlock()

	if push != nil {
		push.Stop()
	}
	if poll != nil {
		close(poll)
	}
	if artwork != nil {
		close(artwork)
	}
	if timer != nil {
		timer.Stop()
	}
	if b != nil {
		_ = b.Close()
	}

	m.setConnected(false)
	_ = m.machine.Event(context.Background(), "reset")
}

func (m *Manager) refreshDeviceInfo(ctx context.Context, b backend.Backend) {
	m.sink.SetState(m.path("info.identifier"), m.cfg.Identifier(), true)
	m.sink.SetState(m.path("info.address"), m.cfg.Address, true)
	m.sink.SetState(m.path("info.transport"), string(m.cfg.Transport), true)
	m.sink.SetState(m.path("info.reachable"), b.IsReachable(ctx), true)
}

func (m *Manager) handlePushEvent(epoch uint64, event domain.PushEvent) {
	m.mu.Lock()
	stale := epoch != m.epoch
	m.mu.Unlock()
	if stale {
		return
	}

	switch event.Type {
	case domain.EventPlaying:
		if event.Playing != nil {
			m.publishPlaying(*event.Playing)
		}
	case domain.EventPower:
		if event.Power != nil {
			m.sink.SetState(m.path("power"), event.Power.On, true)
		}
	case domain.EventVolume:
		if event.Volume != nil {
			m.sink.SetState(m.path("volume"), event.Volume.Level, true)
		}
	case domain.EventConnection:
		if event.Connection == nil || event.Connection.Connected {
			return
		}
		switch m.machine.Current() {
		case StateConnecting:
			// The stream died before Connect finished; leave the loss
			// for Connect to settle.
			m.mu.Lock()
			if epoch == m.epoch {
				m.pendingLoss = true
			}
			m.mu.Unlock()
		case StatePushActive:
			m.logger.Warn("push connection lost", slog.String("reason", event.Connection.Reason))
			m.setConnected(false)
			_ = m.machine.Event(context.Background(), "lost")
			m.scheduleReconnect()
		}
		// Losses in other states are stale; poll failures self-heal on
		// the next tick.
	}
}

func (m *Manager) startPollLoop(epoch uint64, b backend.Backend) {
	stop := make(chan struct{})
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.pollStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		m.pollOnce(b)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.pollOnce(b)
			}
		}
	}()
}

func (m *Manager) pollOnce(b backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), pollCallTimeout)
	defer cancel()

	playing, playingErr := b.GetPlaying(ctx)
	power, powerErr := b.GetPowerState(ctx)
	if playingErr != nil || powerErr != nil {
		m.logger.Debug("poll tick failed",
			slog.Any("playing_error", playingErr),
			slog.Any("power_error", powerErr))
		m.setConnected(false)
		return
	}

	m.publishPlaying(playing)
	m.sink.SetState(m.path("power"), power, true)

	m.mu.Lock()
	wasConnected := m.connected
	if !wasConnected {
		// A successful tick after a failure is itself a reconnection.
		m.attempts = 0
	}
	m.mu.Unlock()
	m.setConnected(true)
}

// scheduleReconnect arms the backoff timer unless one is already pending
// or the attempt ceiling is reached.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.maxAttempts {
		m.mu.Unlock()
		_ = m.machine.Event(context.Background(), "give_up")
		m.logger.Error("reconnect attempts exhausted, manual intervention required",
			slog.String("error", domain.ErrReconnectExhausted.Error()),
			slog.Int("attempts", m.maxAttempts))
		return
	}
	delay := backoffDelay(m.reconnectBase, m.reconnectMax, m.attempts)
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = m.afterFunc(delay, m.reconnectNow)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

func (m *Manager) reconnectNow() {
	m.mu.Lock()
	m.reconnectTimer = nil
	m.mu.Unlock()

	// Full teardown before the fresh attempt; Disconnect leaves the
	// backoff counter untouched.
	m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		m.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		m.scheduleReconnect()
	}
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (m *Manager) startArtworkLoop(epoch uint64, b backend.Backend) {
	stop := make(chan struct{})
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.artworkStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.artworkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.refreshArtwork(b)
			}
		}
	}()
}

func (m *Manager) refreshArtwork(b backend.Backend) {
	// Artwork refresh is gated on the device actually playing something.
	state, ok := m.sink.GetState(m.path("playing.device_state"))
	if !ok || state == string(domain.DeviceStateIdle) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollCallTimeout)
	defer cancel()

	artwork, err := b.GetArtwork(ctx, artworkWidth, artworkHeight)
	if err != nil {
		m.logger.Debug("artwork refresh failed", slog.String("error", err.Error()))
		return
	}
	if artwork == nil {
		return
	}
	encoded := "data:" + artwork.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(artwork.Data)
	m.sink.SetState(m.path("artwork"), encoded, true)
}

func (m *Manager) publishPlaying(state domain.PlayingState) {
	state = state.Normalize()
	m.sink.SetState(m.path("playing.title"), state.Title, true)
	m.sink.SetState(m.path("playing.artist"), state.Artist, true)
	m.sink.SetState(m.path("playing.album"), state.Album, true)
	m.sink.SetState(m.path("playing.genre"), state.Genre, true)
	m.sink.SetState(m.path("playing.media_type"), string(state.MediaType), true)
	m.sink.SetState(m.path("playing.device_state"), string(state.State), true)
	m.sink.SetState(m.path("playing.app"), state.App, true)
	m.sink.SetState(m.path("playing.app_id"), state.AppID, true)
	m.sink.SetState(m.path("playing.position"), state.Position, true)
	m.sink.SetState(m.path("playing.total_time"), state.TotalTime, true)
	m.sink.SetState(m.path("playing.shuffle"), string(state.Shuffle), true)
	m.sink.SetState(m.path("playing.repeat"), string(state.Repeat), true)
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()
	if changed {
		m.sink.SetState(m.path("connected"), connected, true)
	}
}

func (m *Manager) path(suffix string) string {
	return m.cfg.Identifier() + "." + suffix
}

func (m *Manager) currentBackend() (backend.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return nil, &domain.LogicError{Message: "device is not connected"}
	}
	return m.backend, nil
}

// HandleRemoteCommand forwards a logical remote-control command to the
// active backend. Failures propagate to the caller.
func (m *Manager) HandleRemoteCommand(ctx context.Context, command string) error {
	b, err := m.currentBackend()
	if err != nil {
		return err
	}
	return b.SendCommand(ctx, command)
}

// HandlePowerCommand turns the device on or off.
func (m *Manager) HandlePowerCommand(ctx context.Context, on bool) error {
	b, err := m.currentBackend()
	if err != nil {
		return err
	}
	if on {
		return b.TurnOn(ctx)
	}
	return b.TurnOff(ctx)
}

// HandleSeek seeks to an absolute position in seconds.
func (m *Manager) HandleSeek(ctx context.Context, seconds float64) error {
	b, err := m.currentBackend()
	if err != nil {
		return err
	}
	return b.SeekTo(ctx, seconds)
}

// HandleAppLaunch launches an app by identifier.
func (m *Manager) HandleAppLaunch(ctx context.Context, id string) error {
	b, err := m.currentBackend()
	if err != nil {
		return err
	}
	return b.LaunchApp(ctx, id)
}

// GetPlaying proxies the active backend's snapshot.
func (m *Manager) GetPlaying(ctx context.Context) (domain.PlayingState, error) {
	b, err := m.currentBackend()
	if err != nil {
		return domain.DefaultPlayingState(), err
	}
	return b.GetPlaying(ctx)
}

// GetAppList proxies the active backend's app list.
func (m *Manager) GetAppList(ctx context.Context) ([]domain.App, error) {
	b, err := m.currentBackend()
	if err != nil {
		return nil, err
	}
	return b.GetAppList(ctx)
}
