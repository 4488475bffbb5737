package domain

// PushEventType tags the PushEvent union.
type PushEventType string

const (
	EventPlaying    PushEventType = "playing"
	EventPower      PushEventType = "power"
	EventVolume     PushEventType = "volume"
	EventConnection PushEventType = "connection"
)

// Terminal connection-event reasons emitted by the subprocess transport.
const (
	ReasonProcessExit  = "process_exit"
	ReasonProcessError = "process_error"
)

// PowerPayload carries a power event.
type PowerPayload struct {
	On bool `json:"on"`
}

// VolumePayload carries a volume event. Level is 0..100.
type VolumePayload struct {
	Level float64 `json:"level"`
}

// ConnectionPayload carries a connection event.
type ConnectionPayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// PushEvent is the tagged union delivered by StartPushUpdates. Exactly the
// payload matching Type is set.
type PushEvent struct {
	Type       PushEventType      `json:"type"`
	Playing    *PlayingState      `json:"playing,omitempty"`
	Power      *PowerPayload      `json:"power,omitempty"`
	Volume     *VolumePayload     `json:"volume,omitempty"`
	Connection *ConnectionPayload `json:"connection,omitempty"`
}

// PlayingEvent wraps a snapshot as a push event.
func PlayingEvent(state PlayingState) PushEvent {
	normalized := state.Normalize()
	return PushEvent{Type: EventPlaying, Playing: &normalized}
}

// PowerEvent wraps a power flag as a push event.
func PowerEvent(on bool) PushEvent {
	return PushEvent{Type: EventPower, Power: &PowerPayload{On: on}}
}

// VolumeEvent wraps a volume level as a push event.
func VolumeEvent(level float64) PushEvent {
	return PushEvent{Type: EventVolume, Volume: &VolumePayload{Level: level}}
}

// ConnectionEvent wraps a connectivity change as a push event.
func ConnectionEvent(connected bool, reason string) PushEvent {
	return PushEvent{Type: EventConnection, Connection: &ConnectionPayload{Connected: connected, Reason: reason}}
}
