// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/log"
)

// Every lookup logs its decision at DEBUG so a misbehaving deploy can be
// read off the boot log. Keys that look like secrets never echo their value.

// ParseString reads key from the environment, falling back to defaultValue
// when the variable is unset or empty.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().
			Str("key", key).
			Str("default", defaultValue).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}
	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if sensitiveKey(key) {
		ev.Bool("sensitive", true).Msg("using environment variable")
	} else {
		ev.Str("value", v).Msg("using environment variable")
	}
	return v
}

// ParseInt reads an integer, falling back to defaultValue when the variable
// is unset, empty, or unparseable.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// ParseInt64 is ParseInt for values that can exceed the int range, such as
// byte limits.
func ParseInt64(key string, defaultValue int64) int64 {
	return parseEnv(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// ParseFloat reads a float64 with the same fallback rules as ParseInt.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseBool accepts the strconv.ParseBool forms (1/t/true/0/f/false).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, strconv.ParseBool)
}

// ParseDuration reads a Go duration string such as "90s" or "5m".
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// ParseStringSlice reads a comma-separated list, trimming whitespace and
// dropping empty elements. A list with no usable elements keeps the default.
func ParseStringSlice(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// parseEnv is the shared lookup: unset and empty use the default silently at
// DEBUG, unparseable values warn and use the default, valid values win.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	logger := log.WithComponent("config")
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		logger.Debug().
			Str("key", key).
			Any("default", defaultValue).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", raw).
			Any("default", defaultValue).
			Msg("unparseable environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Any("value", v).
		Str("source", "environment").
		Msg("using environment variable")
	return v
}

// sensitiveKey keeps secrets out of the boot log.
func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "key") || strings.Contains(k, "token") || strings.Contains(k, "password")
}
