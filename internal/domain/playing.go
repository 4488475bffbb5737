package domain

// MediaType is the closed set of media kinds a device reports.
type MediaType string

const (
	MediaTypeUnknown MediaType = "unknown"
	MediaTypeMusic   MediaType = "music"
	MediaTypeVideo   MediaType = "video"
	MediaTypeTV      MediaType = "tv"
)

// DeviceState is the closed set of playback states.
type DeviceState string

const (
	DeviceStateIdle    DeviceState = "idle"
	DeviceStatePlaying DeviceState = "playing"
	DeviceStatePaused  DeviceState = "paused"
	DeviceStateLoading DeviceState = "loading"
	DeviceStateSeeking DeviceState = "seeking"
)

// ShuffleMode is the closed set of shuffle settings.
type ShuffleMode string

const (
	ShuffleOff    ShuffleMode = "off"
	ShuffleSongs  ShuffleMode = "songs"
	ShuffleAlbums ShuffleMode = "albums"
)

// RepeatMode is the closed set of repeat settings.
type RepeatMode string

const (
	RepeatOff   RepeatMode = "off"
	RepeatTrack RepeatMode = "track"
	RepeatAll   RepeatMode = "all"
)

// PlayingState is a full snapshot of what the device is playing. Every
// field always carries a value; missing data is filled with defaults
// rather than left undefined.
type PlayingState struct {
	Title     string      `json:"title"`
	Artist    string      `json:"artist"`
	Album     string      `json:"album"`
	Genre     string      `json:"genre"`
	MediaType MediaType   `json:"media_type"`
	State     DeviceState `json:"device_state"`
	App       string      `json:"app"`
	AppID     string      `json:"app_id"`
	Position  float64     `json:"position"`
	TotalTime float64     `json:"total_time"`
	Shuffle   ShuffleMode `json:"shuffle"`
	Repeat    RepeatMode  `json:"repeat"`
}

// DefaultPlayingState returns the all-empty idle snapshot.
func DefaultPlayingState() PlayingState {
	return PlayingState{
		MediaType: MediaTypeUnknown,
		State:     DeviceStateIdle,
		Shuffle:   ShuffleOff,
		Repeat:    RepeatOff,
	}
}

// Normalize fills zero-valued closed-set fields with their defaults so a
// snapshot is never partially undefined.
func (p PlayingState) Normalize() PlayingState {
	if p.MediaType == "" {
		p.MediaType = MediaTypeUnknown
	}
	if p.State == "" {
		p.State = DeviceStateIdle
	}
	if p.Shuffle == "" {
		p.Shuffle = ShuffleOff
	}
	if p.Repeat == "" {
		p.Repeat = RepeatOff
	}
	return p
}

// ParseMediaType maps a raw transport string onto the closed set.
func ParseMediaType(raw string) MediaType {
	switch raw {
	case "music", "audio":
		return MediaTypeMusic
	case "video":
		return MediaTypeVideo
	case "tv":
		return MediaTypeTV
	default:
		return MediaTypeUnknown
	}
}

// ParseDeviceState maps a raw transport string onto the closed set.
func ParseDeviceState(raw string) DeviceState {
	switch raw {
	case "playing":
		return DeviceStatePlaying
	case "paused":
		return DeviceStatePaused
	case "loading":
		return DeviceStateLoading
	case "seeking":
		return DeviceStateSeeking
	default:
		return DeviceStateIdle
	}
}

// ParseShuffle maps a raw transport string onto the closed set.
func ParseShuffle(raw string) ShuffleMode {
	switch raw {
	case "songs":
		return ShuffleSongs
	case "albums":
		return ShuffleAlbums
	default:
		return ShuffleOff
	}
}

// ParseRepeat maps a raw transport string onto the closed set.
func ParseRepeat(raw string) RepeatMode {
	switch raw {
	case "track":
		return RepeatTrack
	case "all":
		return RepeatAll
	default:
		return RepeatOff
	}
}
