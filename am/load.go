package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/onair/errors"
)

// EnvPrefix prefixes every environment override, e.g. ONAIR_SERVER_PORT.
const EnvPrefix = "ONAIR"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	// ConfigSources records which file last set each key during loading
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the configuration, caching the result until Reset.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()
	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads defaults plus one file, ignoring the cascade and the
// environment.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// Reset clears the cached configuration
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	mergeConfigFiles(v, configCascade())

	viperInstance = v
	return v
}

// UserConfigDir is ~/.onair.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".onair")
}

// UserConfigPath is the file am.Set writes to.
func UserConfigPath() string {
	dir := UserConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "am.toml")
}

type cascadeEntry struct {
	path   string
	source ConfigSource
}

// configCascade lists config files from lowest to highest precedence.
func configCascade() []cascadeEntry {
	entries := []cascadeEntry{{"/etc/onair/am.toml", SourceSystem}}
	if user := UserConfigPath(); user != "" {
		entries = append(entries, cascadeEntry{user, SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		entries = append(entries, cascadeEntry{project, SourceProject})
	}
	return entries
}

// ConfigFiles returns the config files that exist, lowest precedence first.
func ConfigFiles() []string {
	var files []string
	for _, e := range configCascade() {
		if _, err := os.Stat(e.path); err == nil {
			files = append(files, e.path)
		}
	}
	return files
}

// findProjectConfig walks up from the working directory looking for am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges each existing file over the previous ones.
// Environment variables still win because they are consulted first by Get.
func mergeConfigFiles(v *viper.Viper, entries []cascadeEntry) {
	for _, e := range entries {
		if _, err := os.Stat(e.path); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(e.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		settings := fileViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		trackSources(settings, "", SourceInfo{Source: e.source, Path: e.path})
	}
}

func trackSources(settings map[string]interface{}, prefix string, info SourceInfo) {
	for key, value := range settings {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			trackSources(nested, full, info)
			continue
		}
		ConfigSources[full] = info
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}
