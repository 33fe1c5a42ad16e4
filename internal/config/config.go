// Package config loads the bridge configuration from a JSON file with
// viper, with defaults for every key so a missing file still yields a
// working setup.
package config

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// ConfigFileName is looked up inside the config directory.
const ConfigFileName = "tessumod_bridge.cfg.json"

// Load reads configuration from the JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./bridgelogs")

	viper.SetDefault("ts.host", "localhost")
	viper.SetDefault("ts.port", 25639)
	viper.SetDefault("ts.retryIntervalSeconds", 10)
	viper.SetDefault("ts.keepAliveSeconds", 60)

	viper.SetDefault("match.useMetadata", true)
	viper.SetDefault("match.nickExtractPatterns", []string{})
	viper.SetDefault("match.nameMappings", map[string]string{})

	viper.SetDefault("usercache.path", "./tessu_mod_cache.toml")
	viper.SetDefault("usercache.syncIntervalSeconds", 60)

	viper.SetDefault("export.enabled", true)
	viper.SetDefault("export.intervalMillis", 100)

	viper.SetDefault("roster.path", "./players.json")
	viper.SetDefault("roster.pollIntervalSeconds", 1)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "tessumod-metrics")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Defaults only; the bridge runs fine without a config file.
			return nil
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// NickExtractPatterns compiles the configured nick extraction patterns.
// Patterns are matched case-insensitively; an invalid pattern fails the
// whole load so misconfiguration is caught at startup.
func NickExtractPatterns() ([]*regexp.Regexp, error) {
	var patterns []*regexp.Regexp
	for _, raw := range viper.GetStringSlice("match.nickExtractPatterns") {
		p, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid nick extract pattern %q: %w", raw, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// NameMappings returns the configured voice-to-game name mappings with
// lowercased keys.
func NameMappings() map[string]string {
	return viper.GetStringMapString("match.nameMappings")
}
