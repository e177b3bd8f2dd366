package domain

import "time"

type State string

const (
	StateIdle     State = "idle"
	StateServing  State = "serving"
	StatePlaying  State = "playing"
	StateStopping State = "stopping"
)

// Session pairs the target currently playing with the URL it pulls from.
type Session struct {
	ID        string    `json:"id"`
	Target    Target    `json:"target"`
	Media     MediaFile `json:"media"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
}

type StateChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
