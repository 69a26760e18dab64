package ircode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/codec"
)

const documentVersion = 1

// Document is the portable form of a profile. Codes are base64 in JSON.
type Document struct {
	Version    int               `json:"version"`
	Profile    string            `json:"profile"`
	ExportedAt time.Time         `json:"exported_at"`
	Commands   []DocumentCommand `json:"commands"`
}

type DocumentCommand struct {
	Button     string    `json:"button"`
	Code       []byte    `json:"code"`
	CapturedAt time.Time `json:"captured_at"`
	Verified   bool      `json:"verified"`
}

// Profile summarizes the stored buttons of one profile.
type Profile struct {
	ID      string   `json:"id"`
	Buttons []string `json:"buttons"`
}

// Export renders every command of profileID as a JSON document.
func Export(s Store, profileID string) ([]byte, error) {
	cmds, err := s.List(profileID)
	if err != nil {
		return nil, err
	}
	doc := Document{
		Version:    documentVersion,
		Profile:    profileID,
		ExportedAt: time.Now().UTC(),
		Commands:   make([]DocumentCommand, 0, len(cmds)),
	}
	for _, c := range cmds {
		doc.Commands = append(doc.Commands, DocumentCommand{
			Button:     c.Button,
			Code:       c.Code,
			CapturedAt: c.CapturedAt,
			Verified:   c.Verified,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Import validates a document and writes all of its commands atomically,
// overwriting buttons that already exist. A button appearing twice in the
// document fails with ErrDuplicateButton and nothing is written.
func Import(s Store, data []byte) (Profile, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Profile{}, fmt.Errorf("parse profile document: %w: %w", av.ErrInvalidParameter, err)
	}
	if doc.Version != documentVersion {
		return Profile{}, fmt.Errorf("profile document version %d: %w", doc.Version, av.ErrUnsupportedOperation)
	}
	if doc.Profile == "" {
		return Profile{}, fmt.Errorf("profile document without profile id: %w", av.ErrInvalidParameter)
	}

	seen := make(map[string]bool, len(doc.Commands))
	cmds := make([]Command, 0, len(doc.Commands))
	p := Profile{ID: doc.Profile}
	for _, dc := range doc.Commands {
		if dc.Button == "" {
			return Profile{}, fmt.Errorf("command without button name: %w", av.ErrInvalidParameter)
		}
		if seen[dc.Button] {
			return Profile{}, fmt.Errorf("button %q: %w", dc.Button, av.ErrDuplicateButton)
		}
		seen[dc.Button] = true
		if err := codec.ValidateIRCode(dc.Code); err != nil {
			return Profile{}, fmt.Errorf("button %q: %w", dc.Button, err)
		}
		cmds = append(cmds, Command{
			ProfileID:  doc.Profile,
			Button:     dc.Button,
			Code:       dc.Code,
			CapturedAt: dc.CapturedAt,
			Verified:   dc.Verified,
		})
		p.Buttons = append(p.Buttons, dc.Button)
	}
	if err := s.SaveAll(cmds); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Missing returns the required buttons of profileID that have no verified
// command. The profile is complete when the result is empty.
func Missing(s Store, profileID string, required []string) ([]string, error) {
	cmds, err := s.List(profileID)
	if err != nil {
		return nil, err
	}
	verified := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		if c.Verified {
			verified[c.Button] = true
		}
	}
	var missing []string
	for _, b := range required {
		if !verified[b] {
			missing = append(missing, b)
		}
	}
	return missing, nil
}

// Complete reports whether every required button of profileID has a verified
// command, along with the missing ones.
func Complete(s Store, profileID string, required []string) (bool, []string, error) {
	missing, err := Missing(s, profileID, required)
	if err != nil {
		return false, nil, err
	}
	return len(missing) == 0, missing, nil
}
