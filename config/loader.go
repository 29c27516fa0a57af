package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/semgate/errors"
)

// durationKeys are config keys whose string values are parsed as durations.
var durationKeys = map[string]bool{
	"timeout":             true,
	"interval":            true,
	"online_threshold":    true,
	"degraded_threshold":  true,
	"base_backoff":        true,
	"max_backoff":         true,
	"cooldown":            true,
	"webhook_timeout":     true,
	"reconnect_wait":      true,
	"read_header_timeout": true,
	"shutdown_timeout":    true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SEMGATE",
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML layer into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Parse decodes a single JSON or YAML document, without validation, on top of the defaults.
func Parse(data []byte, format string) (*Config, error) {
	var raw map[string]any
	var err error
	if format == "yaml" || format == "yml" {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "decode "+format)
	}
	if err := parseDurations(raw); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "parse durations")
	}
	return mergeFromMap(Default(), raw)
}

// mergeFromMap overlays override onto base, replacing only the fields present.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations rewrites duration strings ("5s", "2m", "1d") into nanoseconds
// so they decode into time.Duration fields.
func parseDurations(v any) error {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if s, ok := child.(string); ok && durationKeys[k] {
				d, err := parseDurationWithDays(s)
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				node[k] = d.Nanoseconds()
				continue
			}
			if err := parseDurations(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range node {
			if err := parseDurations(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "1d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(val); err != nil {
		return "", false, errors.NewConfigError(key, "%v", err)
	}
	return val, true, nil
}

// applyEnvOverrides lets deployments tweak the common knobs without a file.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"ADDR":        &cfg.Server.Addr,
		"AUTH_TOKEN":  &cfg.Server.AuthToken,
		"ALERT_SINK":  &cfg.Alerts.Sink,
		"WEBHOOK_URL": &cfg.Alerts.WebhookURL,
		"STORE_TYPE":  &cfg.Store.Type,
		"STORE_PATH":  &cfg.Store.Path,
		"REDIS_ADDR":  &cfg.Redis.Addr,
		"NATS_TOKEN":  &cfg.NATS.Token,
	}
	for name, dst := range strs {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":  &cfg.Poller.Interval,
		"ALERT_COOLDOWN": &cfg.Alerts.Cooldown,
		"ACTION_TIMEOUT": &cfg.Actions.Timeout,
	}
	for name, dst := range durations {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return errors.NewConfigError(l.envPrefix+"_"+name, "invalid duration %q", val)
		}
		*dst = d
	}

	if val, ok, err := l.env("CIRCUIT_THRESHOLD"); err != nil {
		return err
	} else if ok {
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			return errors.NewConfigError(l.envPrefix+"_CIRCUIT_THRESHOLD", "invalid integer %q", val)
		}
		cfg.Circuit.Threshold = n
	}

	if val, ok, err := l.env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	return nil
}
