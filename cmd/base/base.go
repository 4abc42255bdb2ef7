package base

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config is the optional per-tool configuration file.
type Config struct {
	Address  string `toml:"address"`
	LogLevel string `toml:"log_level"`
}

// LoadConfig reads a TOML config file. An empty path yields the zero
// config.
func LoadConfig(path string) (cfg Config, err error) {
	if path == "" {
		return
	}
	_, err = toml.DecodeFile(path, &cfg)
	if err != nil {
		err = fmt.Errorf("failed to load config %q: %w", path, err)
	}
	return
}

// SetupLogging applies the configured level to the global logger.
func SetupLogging(level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	return nil
}

// BusAddress picks the server address: the explicit one if set, else the
// session bus environment, else the conventional user bus socket.
func BusAddress(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return fmt.Sprintf("unix:path=/run/user/%d/bus", os.Getuid())
}
