// Package companion implements the socket-driven backend. Instead of
// spawning subprocesses it holds one persistent websocket connection to
// the device's companion endpoint and receives state by event. The
// feature set is reduced: no seek, no app list, no artwork.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

const (
	dialTimeout     = 5 * time.Second
	pairReadTimeout = 30 * time.Second
)

// commandMap translates logical command names to companion wire commands.
// The companion channel drives fewer commands than the CLI transport.
var commandMap = map[string]string{
	"play":       "play",
	"pause":      "pause",
	"playPause":  "playpause",
	"stop":       "stop",
	"next":       "next",
	"previous":   "previous",
	"menu":       "menu",
	"home":       "home",
	"select":     "select",
	"up":         "up",
	"down":       "down",
	"left":       "left",
	"right":      "right",
	"volumeUp":   "volume_up",
	"volumeDown": "volume_down",
}

// conn is the slice of *websocket.Conn the backend needs; injectable for
// tests.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(rawURL string) (conn, error)

func dialWebsocket(rawURL string) (conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	c, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// frame is one message on the companion channel, in either direction.
type frame struct {
	Type        string         `json:"type"`
	Command     string         `json:"command,omitempty"`
	Playing     *playingFrame  `json:"playing,omitempty"`
	Power       *bool          `json:"power,omitempty"`
	Volume      *float64       `json:"volume,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Protocol    string         `json:"protocol,omitempty"`
	PIN         string         `json:"pin,omitempty"`
	Status      string         `json:"status,omitempty"`
	Credentials string         `json:"credentials,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type playingFrame struct {
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Album     string  `json:"album"`
	Genre     string  `json:"genre"`
	MediaType string  `json:"media_type"`
	State     string  `json:"device_state"`
	App       string  `json:"app"`
	AppID     string  `json:"app_id"`
	Position  float64 `json:"position"`
	TotalTime float64 `json:"total_time"`
	Shuffle   string  `json:"shuffle"`
	Repeat    string  `json:"repeat"`
}

func (f playingFrame) toState() domain.PlayingState {
	state := domain.DefaultPlayingState()
	state.Title = f.Title
	state.Artist = f.Artist
	state.Album = f.Album
	state.Genre = f.Genre
	state.MediaType = domain.ParseMediaType(f.MediaType)
	state.State = domain.ParseDeviceState(f.State)
	state.App = f.App
	state.AppID = f.AppID
	state.Position = f.Position
	state.TotalTime = f.TotalTime
	state.Shuffle = domain.ParseShuffle(f.Shuffle)
	state.Repeat = domain.ParseRepeat(f.Repeat)
	return state
}

// Backend is the event-driven transport. It owns at most one live
// connection at a time.
type Backend struct {
	cfg    domain.DeviceConfig
	logger *slog.Logger
	dial   dialFunc

	mu        sync.Mutex
	conn      conn
	sub       *subscription
	pairing   *pairState
	lastSeen  domain.PlayingState
	havePower bool
	powerOn   bool
}

// New builds a companion Backend for one device.
func New(cfg domain.DeviceConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:      cfg,
		logger:   logger.With(slog.String("device", cfg.Identifier()), slog.String("transport", "companion")),
		dial:     dialWebsocket,
		lastSeen: domain.DefaultPlayingState(),
	}
}

// Factory returns a backend.Factory producing companion backends.
func Factory(logger *slog.Logger) backend.Factory {
	return backend.FactoryFunc(func(cfg domain.DeviceConfig) (backend.Backend, error) {
		return New(cfg, logger), nil
	})
}

func (b *Backend) endpoint() string {
	host := b.cfg.Address
	if host == "" {
		host = b.cfg.ID
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/companion"}
	return u.String()
}

// ensureConn opens the persistent connection if none is live.
func (b *Backend) ensureConn() (conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	c, err := b.dial(b.endpoint())
	if err != nil {
		return nil, &domain.ExecError{Message: "companion connect failed: " + err.Error()}
	}
	b.conn = c
	return c, nil
}

func (b *Backend) send(f frame) error {
	c, err := b.ensureConn()
	if err != nil {
		return err
	}
	if err := c.WriteJSON(f); err != nil {
		return &domain.ExecError{Message: "companion write failed: " + err.Error()}
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context) ([]domain.DiscoveredDevice, error) {
	return nil, fmt.Errorf("%w: scan is not available on the companion transport", domain.ErrUnsupported)
}

func (b *Backend) SendCommand(ctx context.Context, command string) error {
	mapped, ok := commandMap[command]
	if !ok {
		return fmt.Errorf("%w: no mapping for command %q", domain.ErrUnsupported, command)
	}
	return b.send(frame{Type: "command", Command: mapped})
}

// GetPlaying returns the last event-delivered snapshot; before any event
// arrives it is the all-empty idle snapshot.
func (b *Backend) GetPlaying(ctx context.Context) (domain.PlayingState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen, nil
}

func (b *Backend) GetPowerState(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.havePower {
		// No power event yet: infer from playback activity.
		return b.lastSeen.State != domain.DeviceStateIdle, nil
	}
	return b.powerOn, nil
}

func (b *Backend) TurnOn(ctx context.Context) error {
	return b.send(frame{Type: "power", Command: "on"})
}

func (b *Backend) TurnOff(ctx context.Context) error {
	return b.send(frame{Type: "power", Command: "off"})
}

func (b *Backend) SeekTo(ctx context.Context, seconds float64) error {
	return fmt.Errorf("%w: seek is not available on the companion transport", domain.ErrUnsupported)
}

func (b *Backend) GetAppList(ctx context.Context) ([]domain.App, error) {
	b.logger.Warn("app list is not available on the companion transport, returning empty list")
	return []domain.App{}, nil
}

func (b *Backend) LaunchApp(ctx context.Context, id string) error {
	return b.send(frame{Type: "launch_app", Command: id})
}

func (b *Backend) GetArtwork(ctx context.Context, width, height int) (*domain.Artwork, error) {
	b.logger.Warn("artwork is not available on the companion transport")
	return nil, nil
}

func (b *Backend) IsReachable(ctx context.Context) bool {
	if _, err := b.ensureConn(); err != nil {
		return false
	}
	return true
}

// Close tears down the persistent connection and any subscription.
func (b *Backend) Close() error {
	b.mu.Lock()
	sub := b.sub
	c := b.conn
	b.sub = nil
	b.conn = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if c != nil {
		_ = c.Close()
	}
	b.PairAbort()
	return nil
}

var _ backend.Backend = (*Backend)(nil)
