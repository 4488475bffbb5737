package atvtool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atvbridge/atvbridge/internal/domain"
)

func TestExtractCredentials(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
		found  bool
	}{
		{
			name:   "explicit marker",
			output: "Pairing seems to have succeeded\nCredentials: AB12:CD34\n",
			want:   "AB12:CD34",
			found:  true,
		},
		{
			name:   "marker is case insensitive",
			output: "credentials: aa:bb:cc\n",
			want:   "aa:bb:cc",
			found:  true,
		},
		{
			name:   "bare hex line from the tail",
			output: "some banner\n0123456789abcdef0123456789abcdef\n",
			want:   "0123456789abcdef0123456789abcdef",
			found:  true,
		},
		{
			name:   "short hex line is not a credential",
			output: "deadbeef\n",
			found:  false,
		},
		{
			name:   "marker wins over bare line",
			output: "0123456789abcdef0123456789abcdef\ncredentials: explicit-value\n",
			want:   "explicit-value",
			found:  true,
		},
		{
			name:   "marker must start the line",
			output: "got credentials: mid-line-value\n",
			found:  false,
		},
		{
			name:   "mid-line marker falls through to a bare line",
			output: "got credentials: something\n0123456789abcdef0123456789abcdef\n",
			want:   "0123456789abcdef0123456789abcdef",
			found:  true,
		},
		{
			name:   "leading whitespace before the marker is fine",
			output: "   Credentials: padded-value\n",
			want:   "padded-value",
			found:  true,
		},
		{
			name:   "nothing recognizable",
			output: "Enter PIN on screen\naborted\n",
			found:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := extractCredentials(tc.output)
			if found != tc.found || got != tc.want {
				t.Errorf("extractCredentials(%q) = %q, %v; want %q, %v", tc.output, got, found, tc.want, tc.found)
			}
		})
	}
}

func TestPairStartAwaitsPin(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "Discovering device..."
	proc.stdout <- "Enter PIN on screen: "
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	result, err := b.PairStart(context.Background(), "airplay")
	if err != nil {
		t.Fatalf("PairStart: %v", err)
	}
	if result.Status != domain.PairAwaitingPin {
		t.Fatalf("status = %s", result.Status)
	}
	if b.pair == nil {
		t.Fatal("expected a live pairing session")
	}
}

func TestPairStartWithoutPinPrompt(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "Pairing seems to have succeeded"
	proc.stdout <- "credentials: aa:bb:cc:dd"
	proc.finish(nil)
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	result, err := b.PairStart(context.Background(), "raop")
	if err != nil {
		t.Fatalf("PairStart: %v", err)
	}
	if result.Status != domain.PairPaired || result.Credentials != "aa:bb:cc:dd" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPairStartExitWithoutCredentialsFails(t *testing.T) {
	proc := newFakeProcess()
	proc.stderr <- "failed to connect"
	proc.finish(errors.New("exit status 1"))
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	result, err := b.PairStart(context.Background(), "airplay")
	var execErr *domain.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if result.Status != domain.PairFailed {
		t.Errorf("status = %s", result.Status)
	}
	if !strings.Contains(execErr.Stderr, "failed to connect") {
		t.Errorf("excerpt missing, got %q", execErr.Stderr)
	}
}

func TestPairStartTimesOut(t *testing.T) {
	proc := newFakeProcess()
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))
	b.pairTimeout = 20 * time.Millisecond

	_, err := b.PairStart(context.Background(), "airplay")
	var timeoutErr *domain.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !proc.wasKilled() {
		t.Errorf("expected the pairing process to be killed")
	}
}

func TestPairStartReplacesPriorSession(t *testing.T) {
	first := newFakeProcess()
	first.stdout <- "Enter PIN on screen: "
	second := newFakeProcess()
	second.stdout <- "Enter PIN on screen: "
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(first, second))

	if _, err := b.PairStart(context.Background(), "airplay"); err != nil {
		t.Fatalf("first PairStart: %v", err)
	}
	if _, err := b.PairStart(context.Background(), "airplay"); err != nil {
		t.Fatalf("second PairStart: %v", err)
	}
	if !first.wasKilled() {
		t.Errorf("prior pairing process must be killed")
	}
	if b.pair == nil || b.pair.proc != second {
		t.Errorf("expected the second process to own the session")
	}
}

func TestPairFinishWithoutSession(t *testing.T) {
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor())

	result, err := b.PairFinish(context.Background(), "1234")
	if !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if result.Status != domain.PairFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestPairFinishExtractsCredentials(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "Enter PIN on screen: "
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	if _, err := b.PairStart(context.Background(), "airplay"); err != nil {
		t.Fatalf("PairStart: %v", err)
	}

	proc.stdout <- "Pairing seems to have succeeded"
	proc.stdout <- "credentials: 11:22:33:44"
	proc.finish(nil)

	result, err := b.PairFinish(context.Background(), "1234")
	if err != nil {
		t.Fatalf("PairFinish: %v", err)
	}
	if result.Status != domain.PairPaired || result.Credentials != "11:22:33:44" {
		t.Fatalf("unexpected result %+v", result)
	}
	if lines := proc.writtenLines(); len(lines) != 1 || lines[0] != "1234" {
		t.Errorf("expected the PIN on stdin, got %v", lines)
	}
	if b.pair != nil {
		t.Errorf("session must be cleared after finish")
	}
}

func TestPairFinishZeroExitWithoutMarker(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "Enter PIN on screen: "
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	if _, err := b.PairStart(context.Background(), "airplay"); err != nil {
		t.Fatalf("PairStart: %v", err)
	}

	proc.stdout <- "done"
	proc.finish(nil)

	result, err := b.PairFinish(context.Background(), "1234")
	if err != nil {
		t.Fatalf("PairFinish: %v", err)
	}
	if result.Status != domain.PairPaired {
		t.Fatalf("status = %s", result.Status)
	}
	// No recognizable credential marker: best effort is the raw output.
	if !strings.Contains(result.Credentials, "done") {
		t.Errorf("credentials = %q", result.Credentials)
	}
}

func TestPairFinishNonZeroExitFails(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "pin:"
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	if _, err := b.PairStart(context.Background(), "companion"); err != nil {
		t.Fatalf("PairStart: %v", err)
	}

	proc.stdout <- "Authentication failed"
	proc.finish(errors.New("exit status 1"))

	result, err := b.PairFinish(context.Background(), "0000")
	var execErr *domain.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if result.Status != domain.PairFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestPairAbortIsIdempotent(t *testing.T) {
	proc := newFakeProcess()
	proc.stdout <- "Enter PIN on screen: "
	b := newTestBackend(domain.DeviceConfig{ID: "aa:bb"}, nil, launcherFor(proc))

	if _, err := b.PairStart(context.Background(), "airplay"); err != nil {
		t.Fatalf("PairStart: %v", err)
	}

	b.PairAbort()
	b.PairAbort()

	if !proc.wasKilled() {
		t.Errorf("abort must kill the process")
	}
	if _, err := b.PairFinish(context.Background(), "1234"); !errors.Is(err, domain.ErrNoSession) {
		t.Errorf("expected ErrNoSession after abort, got %v", err)
	}
}
