package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"go2tv.app/castsession/castsession"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CASTSESSION_SCAN_WINDOW=4s.
const EnvPrefix = "CASTSESSION_"

// optionKeys lists the keys accepted from the environment.
var optionKeys = []string{
	"init_timeout",
	"query_timeout",
	"end_timeout",
	"hop_timeout",
	"scan_window",
	"session_wait_timeout",
	"stop_timeout",
	"load_timeout",
	"min_sdk_version",
	"default_content_type",
	"sniff_content_type",
	"event_buffer",
}

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// Load builds runtime options from the defaults, the YAML file at path
// (optional, missing files are ignored) and CASTSESSION_* variables, in
// that order of precedence from lowest to highest.
func Load(path string) (castsession.Options, error) {
	raw := make(map[string]any)

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &raw); err != nil {
				return castsession.Options{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return castsession.Options{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	for _, key := range optionKeys {
		if v, ok := lookupEnv(EnvPrefix + strings.ToUpper(key)); ok {
			raw[key] = v
		}
	}

	opts := castsession.DefaultOptions()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return castsession.Options{}, fmt.Errorf("config: decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return castsession.Options{}, fmt.Errorf("config: decode options: %w", err)
	}

	return opts, nil
}
