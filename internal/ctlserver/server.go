// Package ctlserver exposes the device and pairing surface over a
// newline-framed JSON protocol on stdin/stdout.
package ctlserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/atvbridge/atvbridge/internal/domain"
)

const defaultScanTimeout = 10 * time.Second

// DeviceController is the command-side surface of a connectivity manager.
type DeviceController interface {
	Connect(ctx context.Context) error
	Disconnect()
	HandleRemoteCommand(ctx context.Context, command string) error
	HandlePowerCommand(ctx context.Context, on bool) error
	HandleSeek(ctx context.Context, seconds float64) error
	HandleAppLaunch(ctx context.Context, id string) error
	GetPlaying(ctx context.Context) (domain.PlayingState, error)
	GetAppList(ctx context.Context) ([]domain.App, error)
	State() string
	Connected() bool
	Config() domain.DeviceConfig
}

// Pairer is the pairing-session-registry surface.
type Pairer interface {
	Start(ctx context.Context, cfg domain.DeviceConfig, protocol string) (domain.PairResult, error)
	SubmitPin(ctx context.Context, id, pin string) (domain.PairResult, error)
	Abort(id string)
}

// Scanner probes for devices.
type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.DiscoveredDevice, error)
}

type request struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Device string `json:"device,omitempty"`
	Args   struct {
		Command            string  `json:"command,omitempty"`
		On                 *bool   `json:"on,omitempty"`
		Seconds            float64 `json:"seconds,omitempty"`
		AppID              string  `json:"app_id,omitempty"`
		Protocol           string  `json:"protocol,omitempty"`
		PIN                string  `json:"pin,omitempty"`
		TimeoutMS          int     `json:"timeout_ms,omitempty"`
		IncludeUnreachable bool    `json:"include_unreachable,omitempty"`
	} `json:"args"`
}

type response struct {
	ID     string         `json:"id,omitempty"`
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *responseError `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type deviceStatus struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// Config wires the server's collaborators.
type Config struct {
	Logger  *slog.Logger
	Devices map[string]DeviceController
	Pairer  Pairer
	Scanner Scanner
}

type Server struct {
	in      *bufio.Reader
	out     *bufio.Writer
	logger  *slog.Logger
	devices map[string]DeviceController
	pairer  Pairer
	scanner Scanner
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		in:      bufio.NewReader(in),
		out:     bufio.NewWriter(out),
		logger:  logger,
		devices: cfg.Devices,
		pairer:  cfg.Pairer,
		scanner: cfg.Scanner,
	}
}

// Run serves requests until the input stream ends or the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ctl_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		payload, err := readMessage(s.in)
		if err != nil {
			if err == io.EOF {
				s.logger.Info("ctl_stream_eof")
				return nil
			}
			s.logger.Error("ctl_read_error", slog.String("error", err.Error()))
			return err
		}

		if err := s.handle(ctx, payload); err != nil {
			s.logger.Error("ctl_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.send(response{OK: false, Error: &responseError{Code: "PARSE_ERROR", Message: "invalid request"}})
	}

	result, err := s.dispatch(ctx, req)
	s.logger.Debug("ctl_call",
		slog.String("op", req.Op),
		slog.String("device", req.Device),
		slog.Duration("elapsed", time.Since(startedAt)),
		slog.Bool("ok", err == nil))

	if err != nil {
		return s.send(response{ID: req.ID, OK: false, Error: classifyError(err)})
	}
	return s.send(response{ID: req.ID, OK: true, Result: result})
}

func (s *Server) dispatch(ctx context.Context, req request) (any, error) {
	switch req.Op {
	case "scan":
		timeout := time.Duration(req.Args.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultScanTimeout
		}
		return s.scanner.Scan(ctx, timeout, req.Args.IncludeUnreachable)

	case "status":
		statuses := make([]deviceStatus, 0, len(s.devices))
		for id, controller := range s.devices {
			statuses = append(statuses, deviceStatus{
				ID:        id,
				State:     controller.State(),
				Connected: controller.Connected(),
			})
		}
		return statuses, nil

	case "pair_start":
		controller, err := s.device(req.Device)
		if err != nil {
			return nil, err
		}
		return s.pairer.Start(ctx, controller.Config(), req.Args.Protocol)

	case "pair_pin":
		if _, err := s.device(req.Device); err != nil {
			return nil, err
		}
		return s.pairer.SubmitPin(ctx, req.Device, req.Args.PIN)

	case "pair_abort":
		s.pairer.Abort(req.Device)
		return map[string]string{"status": string(domain.PairAborted)}, nil
	}

	controller, err := s.device(req.Device)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case "connect":
		return nil, controller.Connect(ctx)
	case "disconnect":
		controller.Disconnect()
		return nil, nil
	case "command":
		return nil, controller.HandleRemoteCommand(ctx, req.Args.Command)
	case "power":
		on := req.Args.On != nil && *req.Args.On
		return nil, controller.HandlePowerCommand(ctx, on)
	case "seek":
		return nil, controller.HandleSeek(ctx, req.Args.Seconds)
	case "launch_app":
		return nil, controller.HandleAppLaunch(ctx, req.Args.AppID)
	case "app_list":
		return controller.GetAppList(ctx)
	case "playing":
		return controller.GetPlaying(ctx)
	default:
		return nil, &unknownOpError{op: req.Op}
	}
}

func (s *Server) device(id string) (DeviceController, error) {
	controller, ok := s.devices[id]
	if !ok {
		return nil, &unknownDeviceError{id: id}
	}
	return controller, nil
}

func (s *Server) send(resp response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeMessage(s.out, payload)
}

type unknownOpError struct{ op string }

func (e *unknownOpError) Error() string { return "unknown op: " + e.op }

type unknownDeviceError struct{ id string }

func (e *unknownDeviceError) Error() string { return "unknown device: " + e.id }

func classifyError(err error) *responseError {
	var (
		execErr    *domain.ExecError
		parseErr   *domain.ParseError
		logicErr   *domain.LogicError
		timeoutErr *domain.TimeoutError
		opErr      *unknownOpError
		devErr     *unknownDeviceError
	)

	switch {
	case errors.Is(err, domain.ErrUnsupported):
		return &responseError{Code: "UNSUPPORTED_OPERATION", Message: err.Error()}
	case errors.Is(err, domain.ErrNoSession):
		return &responseError{Code: "NO_ACTIVE_SESSION", Message: err.Error()}
	case errors.Is(err, domain.ErrReconnectExhausted):
		return &responseError{Code: "MAX_RECONNECT_ATTEMPTS_EXCEEDED", Message: err.Error()}
	case errors.As(err, &execErr):
		return &responseError{Code: "TRANSPORT_EXEC_ERROR", Message: execErr.Message}
	case errors.As(err, &parseErr):
		return &responseError{Code: "TRANSPORT_PARSE_ERROR", Message: parseErr.Message}
	case errors.As(err, &logicErr):
		return &responseError{Code: "TRANSPORT_LOGIC_ERROR", Message: logicErr.Message}
	case errors.As(err, &timeoutErr):
		return &responseError{Code: "TIMEOUT", Message: timeoutErr.Error()}
	case errors.As(err, &opErr):
		return &responseError{Code: "UNKNOWN_OP", Message: err.Error()}
	case errors.As(err, &devErr):
		return &responseError{Code: "UNKNOWN_DEVICE", Message: err.Error()}
	default:
		return &responseError{Code: "INTERNAL_ERROR", Message: err.Error()}
	}
}
