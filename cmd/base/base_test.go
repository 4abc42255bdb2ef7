package base

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.toml")
	err := os.WriteFile(path, []byte("address = \"unix:path=/custom\"\nlog_level = \"debug\"\n"), 0o644)
	assert.Nil(t, err)

	cfg, err := LoadConfig(path)
	assert.Nil(t, err)
	assert.EqualValues(t, "unix:path=/custom", cfg.Address)
	assert.EqualValues(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Nil(t, err)
	assert.Empty(t, cfg.Address)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.NotNil(t, err)
}

func TestBusAddress(t *testing.T) {
	assert.EqualValues(t, "unix:path=/x", BusAddress("unix:path=/x"))

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/from-env")
	assert.EqualValues(t, "unix:path=/from-env", BusAddress(""))

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	assert.Contains(t, BusAddress(""), "unix:path=/run/user/")
}

func TestSetupLogging(t *testing.T) {
	assert.Nil(t, SetupLogging(""))
	assert.Nil(t, SetupLogging("warn"))
	assert.NotNil(t, SetupLogging("nonsense"))
}
