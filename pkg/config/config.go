// Package config loads signond's configuration from a TOML file plus
// environment overrides, following the General/SecureStorage/ObjectTimeouts
// sections and SSO_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	General        General           `toml:"general"`
	SecureStorage  map[string]string `toml:"securestorage"`
	ObjectTimeouts ObjectTimeouts    `toml:"objecttimeouts"`
}

// General mirrors the file's [general] table.
type General struct {
	StoragePath   string `toml:"storagepath"`
	PluginsDir    string `toml:"pluginsdir"`
	ExtensionsDir string `toml:"extensionsdir"`
	LoggingLevel  string `toml:"logginglevel"`
	LoggingOutput string `toml:"loggingoutput"`
	// UseSecureStorage is retained for compatibility with the legacy key.
	// Secret-at-rest storage is enabled when this flag is set or when the
	// SecureStorage table is non-empty.
	UseSecureStorage bool `toml:"usesecurestorage"`
}

// ObjectTimeouts mirrors the file's [objecttimeouts] table, expressed as
// durations once loaded.
type ObjectTimeouts struct {
	IdentityTimeout    time.Duration `toml:"identitytimeout"`
	AuthSessionTimeout time.Duration `toml:"authsessiontimeout"`
	DaemonTimeout      time.Duration `toml:"daemontimeout"`
}

const envPrefix = "SSO"

// Load resolves configuration from, in increasing priority: built-in
// defaults, the TOML file (explicit path, then SSO_CONFIG_FILE_DIR, then the
// XDG config home), then SSO_* environment variables.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigName("signond")

	setDefaults(v)
	bindEnv(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		if dir := v.GetString("configfiledir"); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "signond"))
		v.AddConfigPath("/etc/signond")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		General: General{
			StoragePath:      v.GetString("general.storagepath"),
			PluginsDir:       v.GetString("general.pluginsdir"),
			ExtensionsDir:    v.GetString("general.extensionsdir"),
			LoggingLevel:     v.GetString("general.logginglevel"),
			LoggingOutput:    v.GetString("general.loggingoutput"),
			UseSecureStorage: v.GetBool("general.usesecurestorage"),
		},
		SecureStorage: toStringMap(v.GetStringMapString("securestorage")),
		ObjectTimeouts: ObjectTimeouts{
			IdentityTimeout:    v.GetDuration("objecttimeouts.identitytimeout"),
			AuthSessionTimeout: v.GetDuration("objecttimeouts.authsessiontimeout"),
			DaemonTimeout:      v.GetDuration("objecttimeouts.daemontimeout"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.storagepath", filepath.Join(xdg.DataHome, "signond", "signond.db"))
	v.SetDefault("general.pluginsdir", filepath.Join(xdg.DataHome, "signond", "plugins"))
	v.SetDefault("general.extensionsdir", filepath.Join(xdg.DataHome, "signond", "extensions"))
	v.SetDefault("general.logginglevel", "info")
	v.SetDefault("general.loggingoutput", "stdout")
	v.SetDefault("objecttimeouts.identitytimeout", 5*time.Minute)
	v.SetDefault("objecttimeouts.authsessiontimeout", 5*time.Minute)
	v.SetDefault("objecttimeouts.daemontimeout", 0)
}

// bindEnv wires the literal SSO_* variables from the configuration section of
// the external interfaces design to their viper keys.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	binds := map[string]string{
		"general.storagepath":   "STORAGE_PATH",
		"general.pluginsdir":    "PLUGINS_DIR",
		"general.extensionsdir": "EXTENSIONS_DIR",
		"objecttimeouts.daemontimeout":      "DAEMON_TIMEOUT",
		"objecttimeouts.identitytimeout":    "IDENTITY_TIMEOUT",
		"objecttimeouts.authsessiontimeout": "AUTHSESSION_TIMEOUT",
		"general.logginglevel":  "LOGGING_LEVEL",
		"general.loggingoutput": "LOGGING_OUTPUT",
		"configfiledir":         "CONFIG_FILE_DIR",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, strings.ToUpper(envPrefix+"_"+env))
	}
	_ = v.BindEnv("runtimedir", "XDG_RUNTIME_DIR")
}

// Save writes cfg to path as TOML, for generating a starter signond.toml
// that Load can later read back in. It does not go through viper: viper has
// no corresponding encoder, so the struct is marshaled directly.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}
	return nil
}

func toStringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
