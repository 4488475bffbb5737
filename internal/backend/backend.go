// Package backend defines the capability contract every device transport
// must satisfy. Two implementations exist: the subprocess-driven atvtool
// backend and the socket-driven companion backend.
package backend

import (
	"context"

	"github.com/atvbridge/atvbridge/internal/domain"
)

// PushHandle controls a running push-update subscription. Stop is
// idempotent and fire-and-forget: it signals termination and returns
// without waiting for the stream to wind down.
type PushHandle interface {
	Stop()
}

// Backend is the capability contract. Every method either returns the
// documented shape or a typed error from the domain package; soft-degrades
// (empty app list, nil artwork) are successful results, not errors.
type Backend interface {
	// Scan probes for devices reachable from this host.
	Scan(ctx context.Context) ([]domain.DiscoveredDevice, error)

	// SendCommand maps a logical command name to a transport command.
	// Unmapped commands fail with domain.ErrUnsupported.
	SendCommand(ctx context.Context, command string) error

	GetPlaying(ctx context.Context) (domain.PlayingState, error)

	GetPowerState(ctx context.Context) (bool, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error

	// SeekTo fails with domain.ErrUnsupported if the transport cannot
	// seek.
	SeekTo(ctx context.Context, seconds float64) error

	// GetAppList resolves to an empty list when the transport lacks the
	// needed credential tier.
	GetAppList(ctx context.Context) ([]domain.App, error)
	LaunchApp(ctx context.Context, id string) error

	// GetArtwork returns nil when no artwork is available right now.
	GetArtwork(ctx context.Context, width, height int) (*domain.Artwork, error)

	// StartPushUpdates begins asynchronous event delivery. The callback
	// receives events strictly in arrival order.
	StartPushUpdates(onUpdate func(domain.PushEvent)) (PushHandle, error)

	// IsReachable never fails; internal errors collapse to false.
	IsReachable(ctx context.Context) bool

	// PairStart begins an interactive pairing attempt for the given
	// sub-protocol, aborting any pairing process this instance already
	// owns.
	PairStart(ctx context.Context, protocol string) (domain.PairResult, error)
	// PairFinish submits the PIN to the live pairing process. Without a
	// live process it fails with domain.ErrNoSession.
	PairFinish(ctx context.Context, pin string) (domain.PairResult, error)
	// PairAbort is idempotent and safe with no live process.
	PairAbort()

	// Close releases every live resource owned by the instance.
	Close() error
}

// Factory creates one Backend per connect attempt.
type Factory interface {
	New(cfg domain.DeviceConfig) (Backend, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(cfg domain.DeviceConfig) (Backend, error)

func (f FactoryFunc) New(cfg domain.DeviceConfig) (Backend, error) {
	return f(cfg)
}
