package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MalformedFileReturnsFreshDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freekill.server.config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysProvidedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freekill.server.config.json")
	body := `{"capacity": 40, "banWords": ["spam"], "enableWhitelist": true}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Capacity)
	assert.True(t, cfg.EnableWhitelist)
	assert.True(t, cfg.HasBanWord("this has spam in it"))
	assert.Equal(t, 60, cfg.TempBanTime, "unset keys keep their default")
}

func TestLoad_LegacyCompatToggles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freekill.server.config.json")
	body := `{"enableBots": false, "enableChangeRoom": false}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.HasDisabledFeature("AddRobot"))
	assert.True(t, cfg.HasDisabledFeature("ChangeRoom"))
}
