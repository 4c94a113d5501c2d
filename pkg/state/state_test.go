package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsFreshState(t *testing.T) {
	dir := t.TempDir()
	s := Load(zerolog.Nop(), filepath.Join(dir, "state.json"))
	require.NotEmpty(t, s.ClientID)
	require.Nil(t, s.LastEndpoint)
	require.Equal(t, CurrentSchemaVersion, s.SchemaVersion)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := fresh()
	s.LastEndpoint = &Endpoint{Host: "snapserver.local", Port: 1704}
	require.NoError(t, Save(path, s))

	got := Load(zerolog.Nop(), path)
	require.Equal(t, s.ClientID, got.ClientID)
	require.Equal(t, s.LastEndpoint, got.LastEndpoint)
}

func TestLoadCorruptFileDegradesToFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Load(zerolog.Nop(), path)
	require.NotEmpty(t, s.ClientID)
	require.Nil(t, s.LastEndpoint)
}

func TestLoadPreservesClientIDAcrossSaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	first := Load(zerolog.Nop(), path)
	require.NoError(t, Save(path, first))

	second := Load(zerolog.Nop(), path)
	require.Equal(t, first.ClientID, second.ClientID)
}
