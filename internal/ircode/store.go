// Package ircode persists learned IR commands per profile and plays them back
// through the profile's gateway binding.
package ircode

import "time"

// Command is one learned button of a profile.
type Command struct {
	ProfileID  string    `json:"profile_id"`
	Button     string    `json:"button"`
	Code       []byte    `json:"code"`
	CapturedAt time.Time `json:"captured_at"`
	Verified   bool      `json:"verified"`
}

// Store defines IR code persistence. Lookups of missing entries return
// av.ErrNotFound.
type Store interface {
	// Save creates or overwrites the (profile, button) entry.
	Save(cmd Command) error
	// SaveAll writes every command in one transaction.
	SaveAll(cmds []Command) error
	Get(profileID, button string) (*Command, error)
	List(profileID string) ([]Command, error)
	Delete(profileID, button string) error
	Profiles() ([]string, error)
	Close() error
}
