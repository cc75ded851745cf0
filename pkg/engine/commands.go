package engine

const correlationKey = "correlation"

// Command is one of the player commands defined in this package.
type Command interface {
	apply(u *playerUpdate)
	name() string
}

// Play starts a track, replacing whatever is playing. Correlation is echoed
// back by the engine in the track's events.
type Play struct {
	Track       Track
	Correlation string
	Volume      *int
	Paused      bool
}

// Pause pauses or resumes the player.
type Pause struct {
	Paused bool
}

// Stop stops the current track.
type Stop struct{}

// SetVolume sets the player volume.
type SetVolume struct {
	Volume int
}

// VoiceUpdate forwards the chat platform's voice server credentials.
type VoiceUpdate struct {
	Token     string
	Endpoint  string
	SessionID string
}

// Destroy removes the guild's player from the engine.
type Destroy struct{}

type playerUpdate struct {
	Track  *trackUpdate `json:"track,omitempty"`
	Paused *bool        `json:"paused,omitempty"`
	Volume *int         `json:"volume,omitempty"`
	Voice  *voiceState  `json:"voice,omitempty"`
}

type trackUpdate struct {
	// nil stops the player
	Encoded  *string           `json:"encoded"`
	UserData map[string]string `json:"userData,omitempty"`
}

type voiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

func (c Play) apply(u *playerUpdate) {
	encoded := c.Track.Encoded
	u.Track = &trackUpdate{Encoded: &encoded}
	if c.Correlation != "" {
		u.Track.UserData = map[string]string{correlationKey: c.Correlation}
	}
	u.Volume = c.Volume
	paused := c.Paused
	u.Paused = &paused
}

func (c Pause) apply(u *playerUpdate) {
	paused := c.Paused
	u.Paused = &paused
}

func (Stop) apply(u *playerUpdate) {
	u.Track = &trackUpdate{}
}

func (c SetVolume) apply(u *playerUpdate) {
	volume := c.Volume
	u.Volume = &volume
}

func (c VoiceUpdate) apply(u *playerUpdate) {
	u.Voice = &voiceState{Token: c.Token, Endpoint: c.Endpoint, SessionID: c.SessionID}
}

func (Destroy) apply(*playerUpdate) {}

func (Play) name() string        { return "play" }
func (Pause) name() string       { return "pause" }
func (Stop) name() string        { return "stop" }
func (SetVolume) name() string   { return "volume" }
func (VoiceUpdate) name() string { return "voice_update" }
func (Destroy) name() string     { return "destroy" }
