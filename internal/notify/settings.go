package notify

import (
	"fmt"
	"strings"
)

// Permission mirrors the platform's notification authorization.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// ParsePermission parses "default", "granted" or "denied".
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PermissionDefault, nil
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	}
	return PermissionDefault, fmt.Errorf("unknown notification permission %q", s)
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(b []byte) error {
	v, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Settings are the user's notification preferences.
type Settings struct {
	Enabled           bool       `json:"enabled"`
	Sound             bool       `json:"sound"`
	Vibration         bool       `json:"vibration"`
	Desktop           bool       `json:"desktop"`
	MessagePreview    bool       `json:"messagePreview"`
	GroupMessages     bool       `json:"groupMessages"`
	CallNotifications bool       `json:"callNotifications"`
	Permission        Permission `json:"permission"`
}

// DefaultSettings enables everything; permission starts undecided.
func DefaultSettings() Settings {
	return Settings{
		Enabled:           true,
		Sound:             true,
		Vibration:         true,
		Desktop:           true,
		MessagePreview:    true,
		GroupMessages:     true,
		CallNotifications: true,
		Permission:        PermissionDefault,
	}
}

// SettingsStore persists settings across sessions.
type SettingsStore interface {
	// LoadSettings returns the stored settings; found is false when nothing
	// was saved yet.
	LoadSettings() (s Settings, found bool, err error)
	SaveSettings(s Settings) error
}
