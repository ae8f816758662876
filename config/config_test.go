package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, 5060, s.GetInt("sip.port"))
	require.Equal(t, "info", s.GetString("log.level"))
	require.Equal(t, 8765, s.GetInt("websocket.port"))
}

func TestLoadOverlayMergesPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"sip": {"server": "sip.example.com", "login": "100"},
		"log": {"level": "debug"}
	}`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sip.example.com", s.GetString("sip.server"))
	require.Equal(t, "100", s.GetString("sip.login"))
	// Keys the overlay omits keep their defaults.
	require.Equal(t, 5060, s.GetInt("sip.port"))
	require.Equal(t, "debug", s.GetString("log.level"))
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestGetSet(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "absent.json"))

	_, ok := s.Get("sip.missing")
	require.False(t, ok)
	_, ok = s.Get("missing.entirely")
	require.False(t, ok)

	require.NoError(t, s.Set("sip.server", "sip.example.com"))
	require.Equal(t, "sip.example.com", s.GetString("sip.server"))

	require.NoError(t, s.Set("new.nested.key", 42))
	require.Equal(t, 42, s.GetInt("new.nested.key"))

	require.Error(t, s.Set("log.level.deeper", true))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, _ := Load(path)
	require.NoError(t, s.Set("sip.server", "sip.example.com"))
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sip.example.com", reloaded.GetString("sip.server"))
	require.Equal(t, 5060, reloaded.GetInt("sip.port"))
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "absent.json"))
	snap := s.Snapshot()
	snap["sip"].(map[string]any)["server"] = "mutated"
	require.Empty(t, s.GetString("sip.server"))
}

func TestUpdate(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "absent.json"))
	s.Update(map[string]any{"sip": map[string]any{"server": "a", "port": float64(5070)}})
	require.Equal(t, "a", s.GetString("sip.server"))
	require.Equal(t, 5070, s.GetInt("sip.port"))
	require.Equal(t, "info", s.GetString("log.level"))
}

func TestValidate(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, s.Validate())

	require.NoError(t, s.Set("sip.server", "sip.example.com"))
	require.NoError(t, s.Set("sip.login", "login100"))
	require.NoError(t, s.Set("sip.number", "100"))
	require.NoError(t, s.Validate())

	require.NoError(t, s.Set("sip.port", float64(70000)))
	require.Error(t, s.Validate())
}
