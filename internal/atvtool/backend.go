// Package atvtool implements the subprocess-driven backend. Structured
// queries shell out to the atvscript tool and expect a single JSON
// envelope; long-running operations (push updates, pairing) drive the
// atvremote/atvscript tools through piped stdio.
package atvtool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"

	"github.com/atvbridge/atvbridge/internal/backend"
	"github.com/atvbridge/atvbridge/internal/domain"
)

// commandMap translates logical command names to atvscript commands.
var commandMap = map[string]string{
	"play":         "play",
	"pause":        "pause",
	"playPause":    "play_pause",
	"stop":         "stop",
	"next":         "next",
	"previous":     "previous",
	"menu":         "menu",
	"topMenu":      "top_menu",
	"home":         "home",
	"homeHold":     "home_hold",
	"select":       "select",
	"up":           "up",
	"down":         "down",
	"left":         "left",
	"right":        "right",
	"volumeUp":     "volume_up",
	"volumeDown":   "volume_down",
	"skipForward":  "skip_forward",
	"skipBackward": "skip_backward",
}

// Backend is the subprocess-driven transport. It owns at most one live
// push stream and at most one live pairing process at any time.
type Backend struct {
	cfg    domain.DeviceConfig
	logger *slog.Logger

	run         oneShotRunner
	start       launcher
	execTimeout time.Duration
	pairTimeout time.Duration

	mu     sync.Mutex
	stream *pushStream
	pair   *pairingProcess
}

// New builds a Backend for one device.
func New(cfg domain.DeviceConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:         cfg,
		logger:      logger.With(slog.String("device", cfg.Identifier()), slog.String("transport", "cli")),
		run:         runOneShot,
		start:       startProcess,
		execTimeout: defaultExecTimeout,
		pairTimeout: pairStepTimeout,
	}
}

// Factory returns a backend.Factory producing CLI backends.
func Factory(logger *slog.Logger) backend.Factory {
	return backend.FactoryFunc(func(cfg domain.DeviceConfig) (backend.Backend, error) {
		return New(cfg, logger), nil
	})
}

func (b *Backend) deviceArgs() []string {
	var args []string
	if b.cfg.ID != "" {
		args = append(args, "--id", b.cfg.ID)
	} else if b.cfg.Address != "" {
		args = append(args, "--address", b.cfg.Address)
	}
	if b.cfg.AirPlayCredentials != "" {
		args = append(args, "--airplay-credentials", b.cfg.AirPlayCredentials)
	}
	if b.cfg.CompanionCredentials != "" {
		args = append(args, "--companion-credentials", b.cfg.CompanionCredentials)
	}
	if b.cfg.RAOPCredentials != "" {
		args = append(args, "--raop-credentials", b.cfg.RAOPCredentials)
	}
	return args
}

// script runs a bounded atvscript invocation and validates the JSON
// envelope.
func (b *Backend) script(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.execTimeout)
	defer cancel()

	stdout, stderr, err := b.run(ctx, atvscriptBin, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{
				Op:    atvscriptBin + " " + opArg(args),
				Limit: b.execTimeout,
			}
		}
		return nil, &domain.ExecError{
			Message: fmt.Sprintf("%s %v failed: %v", atvscriptBin, opArg(args), err),
			Stderr:  domain.BoundedExcerpt(stderr),
		}
	}
	if !json.Valid(stdout) {
		return nil, domain.NewParseError("invalid JSON envelope", stdout)
	}
	if result, err := jsonparser.GetString(stdout, "result"); err == nil && result == "failure" {
		message, _ := jsonparser.GetString(stdout, "error")
		if message == "" {
			message = "remote command failed"
		}
		return nil, &domain.LogicError{Message: message}
	}
	return stdout, nil
}

// opArg is the operation name, which deviceArgs always leaves last.
func opArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[len(args)-1]
}

func (b *Backend) Scan(ctx context.Context) ([]domain.DiscoveredDevice, error) {
	out, err := b.script(ctx, "scan")
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Devices []struct {
			Name       string `json:"name"`
			Address    string `json:"address"`
			Identifier string `json:"identifier"`
			DeviceInfo struct {
				Model string `json:"model"`
			} `json:"device_info"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(out, &envelope); err != nil {
		return nil, domain.NewParseError("malformed scan result", out)
	}

	devices := make([]domain.DiscoveredDevice, 0, len(envelope.Devices))
	for _, raw := range envelope.Devices {
		devices = append(devices, domain.DiscoveredDevice{
			ID:      raw.Identifier,
			Name:    raw.Name,
			Address: raw.Address,
			Model:   raw.DeviceInfo.Model,
		})
	}
	return devices, nil
}

func (b *Backend) SendCommand(ctx context.Context, command string) error {
	mapped, ok := commandMap[command]
	if !ok {
		return fmt.Errorf("%w: no mapping for command %q", domain.ErrUnsupported, command)
	}
	_, err := b.script(ctx, append(b.deviceArgs(), mapped)...)
	return err
}

// scriptPlaying mirrors the playing envelope emitted by atvscript.
type scriptPlaying struct {
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Album     string   `json:"album"`
	Genre     string   `json:"genre"`
	MediaType string   `json:"media_type"`
	State     string   `json:"device_state"`
	App       string   `json:"app"`
	AppID     string   `json:"app_id"`
	Position  *float64 `json:"position"`
	TotalTime *float64 `json:"total_time"`
	Shuffle   string   `json:"shuffle"`
	Repeat    string   `json:"repeat"`
}

func (s scriptPlaying) toState() domain.PlayingState {
	state := domain.DefaultPlayingState()
	state.Title = s.Title
	state.Artist = s.Artist
	state.Album = s.Album
	state.Genre = s.Genre
	state.MediaType = domain.ParseMediaType(s.MediaType)
	state.State = domain.ParseDeviceState(s.State)
	state.App = s.App
	state.AppID = s.AppID
	if s.Position != nil {
		state.Position = *s.Position
	}
	if s.TotalTime != nil {
		state.TotalTime = *s.TotalTime
	}
	state.Shuffle = domain.ParseShuffle(s.Shuffle)
	state.Repeat = domain.ParseRepeat(s.Repeat)
	return state
}

func (b *Backend) GetPlaying(ctx context.Context) (domain.PlayingState, error) {
	out, err := b.script(ctx, append(b.deviceArgs(), "playing")...)
	if err != nil {
		return domain.DefaultPlayingState(), err
	}

	var playing scriptPlaying
	if err := json.Unmarshal(out, &playing); err != nil {
		return domain.DefaultPlayingState(), domain.NewParseError("malformed playing result", out)
	}
	return playing.toState(), nil
}

func (b *Backend) GetPowerState(ctx context.Context) (bool, error) {
	out, err := b.script(ctx, append(b.deviceArgs(), "power_state")...)
	if err != nil {
		return false, err
	}
	state, err := jsonparser.GetString(out, "power_state")
	if err != nil {
		return false, domain.NewParseError("missing power_state field", out)
	}
	return state == "on", nil
}

func (b *Backend) TurnOn(ctx context.Context) error {
	_, err := b.script(ctx, append(b.deviceArgs(), "turn_on")...)
	return err
}

func (b *Backend) TurnOff(ctx context.Context) error {
	_, err := b.script(ctx, append(b.deviceArgs(), "turn_off")...)
	return err
}

func (b *Backend) SeekTo(ctx context.Context, seconds float64) error {
	arg := "set_position=" + strconv.FormatFloat(seconds, 'f', -1, 64)
	_, err := b.script(ctx, append(b.deviceArgs(), arg)...)
	return err
}

func (b *Backend) GetAppList(ctx context.Context) ([]domain.App, error) {
	if b.cfg.CompanionCredentials == "" {
		b.logger.Warn("app list requires companion credentials, returning empty list")
		return []domain.App{}, nil
	}

	out, err := b.script(ctx, append(b.deviceArgs(), "app_list")...)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Apps []struct {
			Name string `json:"name"`
			ID   string `json:"identifier"`
		} `json:"apps"`
	}
	if err := json.Unmarshal(out, &envelope); err != nil {
		return nil, domain.NewParseError("malformed app_list result", out)
	}

	apps := make([]domain.App, 0, len(envelope.Apps))
	for _, raw := range envelope.Apps {
		apps = append(apps, domain.App{Name: raw.Name, ID: raw.ID})
	}
	return apps, nil
}

func (b *Backend) LaunchApp(ctx context.Context, id string) error {
	_, err := b.script(ctx, append(b.deviceArgs(), "launch_app="+id)...)
	return err
}

func (b *Backend) GetArtwork(ctx context.Context, width, height int) (*domain.Artwork, error) {
	arg := fmt.Sprintf("artwork=%dx%d", width, height)
	out, err := b.script(ctx, append(b.deviceArgs(), arg)...)
	if err != nil {
		return nil, err
	}

	encoded, err := jsonparser.GetString(out, "artwork", "bytes")
	if err != nil {
		// Success envelope without artwork bytes means nothing to show.
		return nil, nil
	}
	data, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return nil, domain.NewParseError("artwork is not valid base64", out)
	}
	mimetype, _ := jsonparser.GetString(out, "artwork", "mimetype")
	if mimetype == "" {
		mimetype = "image/jpeg"
	}
	return &domain.Artwork{Data: data, MIMEType: mimetype}, nil
}

func (b *Backend) IsReachable(ctx context.Context) bool {
	_, err := b.GetPowerState(ctx)
	return err == nil
}

// Close stops the push stream and aborts any live pairing process.
func (b *Backend) Close() error {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
	b.PairAbort()
	return nil
}

var _ backend.Backend = (*Backend)(nil)
