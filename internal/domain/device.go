package domain

import "time"

// TransportKind selects which backend implementation drives a device.
type TransportKind string

const (
	TransportCLI       TransportKind = "cli"
	TransportCompanion TransportKind = "companion"
)

// DeviceConfig describes one controlled device. It is immutable for the
// lifetime of a connectivity session; changing credentials requires a new
// session.
type DeviceConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Address string `json:"address,omitempty" mapstructure:"address"`

	AirPlayCredentials   string `json:"airplay_credentials,omitempty" mapstructure:"airplay_credentials"`
	CompanionCredentials string `json:"companion_credentials,omitempty" mapstructure:"companion_credentials"`
	RAOPCredentials      string `json:"raop_credentials,omitempty" mapstructure:"raop_credentials"`

	Transport    TransportKind `json:"transport,omitempty" mapstructure:"transport"`
	PollInterval time.Duration `json:"poll_interval,omitempty" mapstructure:"poll_interval"`
}

// Identifier returns the preferred addressing key for the device.
func (c DeviceConfig) Identifier() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Address
}

// DiscoveredDevice is one scan result.
type DiscoveredDevice struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Model   string `json:"model,omitempty"`
}

// App is one installed application on the device.
type App struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Artwork is a fetched artwork image. A nil *Artwork means "not available
// right now" and is not an error.
type Artwork struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimetype"`
}

// PairResult is the outcome of a pairing step.
type PairResult struct {
	Status      PairStatus `json:"status"`
	Credentials string     `json:"credentials,omitempty"`
}

// PairStatus is the externally visible pairing state.
type PairStatus string

const (
	PairAwaitingPin PairStatus = "awaiting_pin"
	PairPaired      PairStatus = "paired"
	PairFailed      PairStatus = "failed"
	PairAborted     PairStatus = "aborted"
)
