package domain

const (
	ProtocolDLNA       = "dlna"
	ProtocolChromecast = "chromecast"
)

// Target is a playback device as seen by one discovery scan. It is a
// snapshot: a device that leaves the network is only noticed on rescan.
type Target struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Protocol    string `json:"protocol"`
	IsAudioOnly bool   `json:"is_audio_only"`
}

// Label is the human identity used in logs and error messages.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Address != "" {
		return t.Address
	}
	return t.ID
}
