// Package state persists the minimal cross-restart state named in
// spec §6.4: the last-connected endpoint and a stable per-install
// client identity. Corrupt state degrades to defaults rather than
// aborting startup.
package state

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CurrentSchemaVersion is bumped whenever the persisted shape changes.
// Load accepts a file of any stored version, keeps the fields it can
// decode, and stamps the result with the current version.
const CurrentSchemaVersion = 1

// Endpoint is the persisted last-connected server address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// State is the full persisted document.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	ClientID      string    `json:"client_id"`
	LastEndpoint  *Endpoint `json:"last_endpoint,omitempty"`
}

// Load reads path and returns a usable State. A missing file yields a
// fresh State with a newly minted ClientID and no last endpoint, not
// an error. A present-but-corrupt file logs a warning and degrades the
// same way (spec §6.4: "Corrupt persisted state MUST degrade to 'no
// last server', never abort startup").
func Load(log zerolog.Logger, path string) *State {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("state: could not open, starting fresh")
		}
		return fresh()
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("state: could not read, starting fresh")
		return fresh()
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("state: corrupt, degrading to defaults")
		return fresh()
	}
	if s.ClientID == "" {
		s.ClientID = uuid.New().String()
	}
	s.SchemaVersion = CurrentSchemaVersion
	return &s
}

// New returns a fresh State with a newly minted ClientID, for callers
// that run with persistence disabled (no StatePath) but still need a
// stable identity for the lifetime of the process.
func New() *State {
	return fresh()
}

func fresh() *State {
	return &State{SchemaVersion: CurrentSchemaVersion, ClientID: uuid.New().String()}
}

// Save atomically persists s to path using fsync-before-rename
// semantics, so a crash mid-write never leaves a torn file for the
// next Load to trip over.
func Save(path string, s *State) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := pending.Write(raw); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}
