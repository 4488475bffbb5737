package ctlserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/atvbridge/atvbridge/internal/domain"
)

type fakeController struct {
	cfg        domain.DeviceConfig
	state      string
	connected  bool
	connectErr error
	cmdErr     error
	playing    domain.PlayingState
	apps       []domain.App

	connects    int
	disconnects int
	commands    []string
	powerCalls  []bool
	seeks       []float64
	launches    []string
}

func (f *fakeController) Connect(context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeController) Disconnect() { f.disconnects++ }

func (f *fakeController) HandleRemoteCommand(_ context.Context, command string) error {
	f.commands = append(f.commands, command)
	return f.cmdErr
}

func (f *fakeController) HandlePowerCommand(_ context.Context, on bool) error {
	f.powerCalls = append(f.powerCalls, on)
	return nil
}

func (f *fakeController) HandleSeek(_ context.Context, seconds float64) error {
	f.seeks = append(f.seeks, seconds)
	return nil
}

func (f *fakeController) HandleAppLaunch(_ context.Context, id string) error {
	f.launches = append(f.launches, id)
	return nil
}

func (f *fakeController) GetPlaying(context.Context) (domain.PlayingState, error) {
	return f.playing, nil
}

func (f *fakeController) GetAppList(context.Context) ([]domain.App, error) {
	return f.apps, nil
}

func (f *fakeController) State() string               { return f.state }
func (f *fakeController) Connected() bool             { return f.connected }
func (f *fakeController) Config() domain.DeviceConfig { return f.cfg }

type fakePairer struct {
	startResult domain.PairResult
	startErr    error
	pinResult   domain.PairResult
	pinErr      error

	startCfgs      []domain.DeviceConfig
	startProtocols []string
	pins           []string
	aborts         []string
}

func (f *fakePairer) Start(_ context.Context, cfg domain.DeviceConfig, protocol string) (domain.PairResult, error) {
	f.startCfgs = append(f.startCfgs, cfg)
	f.startProtocols = append(f.startProtocols, protocol)
	return f.startResult, f.startErr
}

func (f *fakePairer) SubmitPin(_ context.Context, id, pin string) (domain.PairResult, error) {
	f.pins = append(f.pins, pin)
	return f.pinResult, f.pinErr
}

func (f *fakePairer) Abort(id string) { f.aborts = append(f.aborts, id) }

type fakeScanner struct {
	devices  []domain.DiscoveredDevice
	err      error
	timeouts []time.Duration
	includes []bool
}

func (f *fakeScanner) Scan(_ context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.DiscoveredDevice, error) {
	f.timeouts = append(f.timeouts, timeout)
	f.includes = append(f.includes, includeUnreachable)
	return f.devices, f.err
}

func testConfig(controller *fakeController, pairer *fakePairer, scanner *fakeScanner) Config {
	devices := map[string]DeviceController{}
	if controller != nil {
		devices["aa:bb"] = controller
	}
	return Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Devices: devices,
		Pairer:  pairer,
		Scanner: scanner,
	}
}

func runServer(t *testing.T, cfg Config, input string) []response {
	t.Helper()
	var out bytes.Buffer
	s := New(strings.NewReader(input), &out, cfg)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("malformed response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestRunReturnsNilOnEOF(t *testing.T) {
	responses := runServer(t, testConfig(nil, &fakePairer{}, &fakeScanner{}), "")
	if len(responses) != 0 {
		t.Fatalf("unexpected responses %+v", responses)
	}
}

func TestScanOp(t *testing.T) {
	scanner := &fakeScanner{devices: []domain.DiscoveredDevice{{ID: "aa:bb", Name: "Living Room"}}}
	responses := runServer(t, testConfig(nil, &fakePairer{}, scanner),
		`{"id":"1","op":"scan","args":{"timeout_ms":2500,"include_unreachable":true}}`+"\n")

	if len(responses) != 1 || !responses[0].OK {
		t.Fatalf("unexpected responses %+v", responses)
	}
	if scanner.timeouts[0] != 2500*time.Millisecond || !scanner.includes[0] {
		t.Errorf("scan args not forwarded: %v %v", scanner.timeouts, scanner.includes)
	}
}

func TestScanDefaultTimeout(t *testing.T) {
	scanner := &fakeScanner{}
	runServer(t, testConfig(nil, &fakePairer{}, scanner), `{"id":"1","op":"scan"}`+"\n")

	if scanner.timeouts[0] != defaultScanTimeout {
		t.Errorf("timeout = %s", scanner.timeouts[0])
	}
}

func TestStatusOp(t *testing.T) {
	controller := &fakeController{state: "push_active", connected: true}
	responses := runServer(t, testConfig(controller, &fakePairer{}, &fakeScanner{}),
		`{"id":"1","op":"status"}`+"\n")

	if len(responses) != 1 || !responses[0].OK {
		t.Fatalf("unexpected responses %+v", responses)
	}
	statuses, ok := responses[0].Result.([]any)
	if !ok || len(statuses) != 1 {
		t.Fatalf("unexpected result %+v", responses[0].Result)
	}
	entry := statuses[0].(map[string]any)
	if entry["id"] != "aa:bb" || entry["state"] != "push_active" || entry["connected"] != true {
		t.Errorf("unexpected status %+v", entry)
	}
}

func TestCommandOpsRoute(t *testing.T) {
	controller := &fakeController{}
	input := strings.Join([]string{
		`{"id":"1","op":"connect","device":"aa:bb"}`,
		`{"id":"2","op":"command","device":"aa:bb","args":{"command":"play"}}`,
		`{"id":"3","op":"power","device":"aa:bb","args":{"on":true}}`,
		`{"id":"4","op":"seek","device":"aa:bb","args":{"seconds":42.5}}`,
		`{"id":"5","op":"launch_app","device":"aa:bb","args":{"app_id":"com.apple.Music"}}`,
		`{"id":"6","op":"disconnect","device":"aa:bb"}`,
	}, "\n") + "\n"

	responses := runServer(t, testConfig(controller, &fakePairer{}, &fakeScanner{}), input)
	for i, resp := range responses {
		if !resp.OK {
			t.Fatalf("response %d not ok: %+v", i, resp.Error)
		}
	}
	if controller.connects != 1 || controller.disconnects != 1 {
		t.Errorf("connects=%d disconnects=%d", controller.connects, controller.disconnects)
	}
	if len(controller.commands) != 1 || controller.commands[0] != "play" {
		t.Errorf("commands = %v", controller.commands)
	}
	if len(controller.powerCalls) != 1 || !controller.powerCalls[0] {
		t.Errorf("powerCalls = %v", controller.powerCalls)
	}
	if len(controller.seeks) != 1 || controller.seeks[0] != 42.5 {
		t.Errorf("seeks = %v", controller.seeks)
	}
	if len(controller.launches) != 1 || controller.launches[0] != "com.apple.Music" {
		t.Errorf("launches = %v", controller.launches)
	}
}

func TestUnknownDevice(t *testing.T) {
	responses := runServer(t, testConfig(&fakeController{}, &fakePairer{}, &fakeScanner{}),
		`{"id":"1","op":"command","device":"nope","args":{"command":"play"}}`+"\n")

	if responses[0].OK || responses[0].Error.Code != "UNKNOWN_DEVICE" {
		t.Fatalf("unexpected response %+v", responses[0])
	}
}

func TestUnknownOp(t *testing.T) {
	responses := runServer(t, testConfig(&fakeController{}, &fakePairer{}, &fakeScanner{}),
		`{"id":"1","op":"reboot","device":"aa:bb"}`+"\n")

	if responses[0].OK || responses[0].Error.Code != "UNKNOWN_OP" {
		t.Fatalf("unexpected response %+v", responses[0])
	}
}

func TestMalformedRequestKeepsServing(t *testing.T) {
	scanner := &fakeScanner{}
	input := "[1, 2\n]\n" + `{"id":"2","op":"scan"}` + "\n"
	responses := runServer(t, testConfig(nil, &fakePairer{}, scanner), input)

	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %+v", responses)
	}
	if responses[0].OK || responses[0].Error.Code != "PARSE_ERROR" {
		t.Errorf("first response %+v", responses[0])
	}
	if !responses[1].OK {
		t.Errorf("server must keep serving after a bad request, got %+v", responses[1])
	}
}

func TestMultiLineDocument(t *testing.T) {
	scanner := &fakeScanner{}
	input := "{\n  \"id\": \"1\",\n  \"op\": \"scan\"\n}\n"
	responses := runServer(t, testConfig(nil, &fakePairer{}, scanner), input)

	if len(responses) != 1 || !responses[0].OK {
		t.Fatalf("unexpected responses %+v", responses)
	}
}

func TestPairingOps(t *testing.T) {
	controller := &fakeController{cfg: domain.DeviceConfig{ID: "aa:bb", Address: "10.0.0.9"}}
	pairer := &fakePairer{
		startResult: domain.PairResult{Status: domain.PairAwaitingPin},
		pinResult:   domain.PairResult{Status: domain.PairPaired, Credentials: "ee:ff"},
	}
	input := strings.Join([]string{
		`{"id":"1","op":"pair_start","device":"aa:bb","args":{"protocol":"airplay"}}`,
		`{"id":"2","op":"pair_pin","device":"aa:bb","args":{"pin":"1234"}}`,
		`{"id":"3","op":"pair_abort","device":"aa:bb"}`,
	}, "\n") + "\n"

	responses := runServer(t, testConfig(controller, pairer, &fakeScanner{}), input)
	for i, resp := range responses {
		if !resp.OK {
			t.Fatalf("response %d not ok: %+v", i, resp.Error)
		}
	}

	if len(pairer.startCfgs) != 1 || pairer.startCfgs[0].Address != "10.0.0.9" {
		t.Errorf("pair_start must use the device's stored config, got %+v", pairer.startCfgs)
	}
	if pairer.startProtocols[0] != "airplay" {
		t.Errorf("protocol = %q", pairer.startProtocols[0])
	}
	if len(pairer.pins) != 1 || pairer.pins[0] != "1234" {
		t.Errorf("pins = %v", pairer.pins)
	}
	if len(pairer.aborts) != 1 || pairer.aborts[0] != "aa:bb" {
		t.Errorf("aborts = %v", pairer.aborts)
	}

	result := responses[1].Result.(map[string]any)
	if result["status"] != "paired" || result["credentials"] != "ee:ff" {
		t.Errorf("unexpected pair_pin result %+v", result)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrapped: %w", domain.ErrUnsupported), "UNSUPPORTED_OPERATION"},
		{domain.ErrNoSession, "NO_ACTIVE_SESSION"},
		{domain.ErrReconnectExhausted, "MAX_RECONNECT_ATTEMPTS_EXCEEDED"},
		{&domain.ExecError{Message: "spawn failed"}, "TRANSPORT_EXEC_ERROR"},
		{&domain.ParseError{Message: "bad json"}, "TRANSPORT_PARSE_ERROR"},
		{&domain.LogicError{Message: "device said no"}, "TRANSPORT_LOGIC_ERROR"},
		{&domain.TimeoutError{Op: "pairing", Limit: time.Second}, "TIMEOUT"},
		{errors.New("anything else"), "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		if got := classifyError(tc.err); got.Code != tc.code {
			t.Errorf("classifyError(%v) = %s, want %s", tc.err, got.Code, tc.code)
		}
	}
}

func TestControllerErrorsPropagate(t *testing.T) {
	controller := &fakeController{cmdErr: fmt.Errorf("%w: no mapping", domain.ErrUnsupported)}
	responses := runServer(t, testConfig(controller, &fakePairer{}, &fakeScanner{}),
		`{"id":"1","op":"command","device":"aa:bb","args":{"command":"warp"}}`+"\n")

	if responses[0].OK || responses[0].Error.Code != "UNSUPPORTED_OPERATION" {
		t.Fatalf("unexpected response %+v", responses[0])
	}
}
