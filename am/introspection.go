package am

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/mundo/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/mundo/mundo.toml
	SourceUser        ConfigSource = "user"        // ~/.mundo/mundo.toml
	SourceProject     ConfigSource = "project"     // nearest mundo.toml upward from cwd
	SourceEnvironment ConfigSource = "environment" // MUNDO_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"`
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	Settings []SettingInfo `json:"settings" yaml:"settings"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

var (
	sourcesMu     sync.Mutex
	configSources = make(map[string]SourceInfo)
)

func recordSource(key string, info SourceInfo) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	configSources[key] = info
}

func resetSources() {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	configSources = make(map[string]SourceInfo)
}

func snapshotSources() map[string]SourceInfo {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	out := make(map[string]SourceInfo, len(configSources))
	for k, v := range configSources {
		out[k] = v
	}
	return out
}

// GetConfigIntrospection returns every effective setting with the layer it came from
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	introspection := &ConfigIntrospection{Settings: make([]SettingInfo, 0)}
	flattenSettingsWithSources(v.AllSettings(), "", introspection, snapshotSources())
	return introspection, nil
}

// flattenSettingsWithSources flattens nested settings into dotted keys in sorted order
func flattenSettingsWithSources(settings map[string]interface{}, prefix string, introspection *ConfigIntrospection, sourceMap map[string]SourceInfo) {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := settings[key]
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nestedMap, ok := value.(map[string]interface{}); ok {
			flattenSettingsWithSources(nestedMap, fullKey, introspection, sourceMap)
			continue
		}

		sourceInfo := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sourceMap[fullKey]; ok {
			sourceInfo = si
		}

		envKey := EnvKey(fullKey)
		if envValue := os.Getenv(envKey); envValue != "" {
			sourceInfo = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		introspection.Settings = append(introspection.Settings, SettingInfo{
			Key:        fullKey,
			Value:      value,
			Source:     sourceInfo.Source,
			SourcePath: sourceInfo.Path,
		})
	}
}

// EnvKey returns the environment variable that overrides a dotted config key
func EnvKey(key string) string {
	return "MUNDO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
