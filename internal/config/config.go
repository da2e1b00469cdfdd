// Package config resolves server settings from command line overrides, the
// process environment and .env files, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	utils "github.com/sessamekesh/spanreed-roulette/pkg/util"
)

const (
	EnvPort                 = "PORT"
	EnvPortFallbackAttempts = "PORT_FALLBACK_ATTEMPTS"
	EnvFrontendOrigin       = "FRONTEND_ORIGIN"
	EnvWsEndpoint           = "WS_ENDPOINT"
	EnvMaxConnections       = "MAX_CONNECTIONS"
	EnvMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	EnvMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	EnvOutgoingBuffer       = "OUTGOING_BUFFER"
	EnvLogFile              = "LOG_FILE"
	EnvAppEnv               = "APP_ENV"
)

const (
	DefaultPort                 = 5000
	DefaultPortFallbackAttempts = 10
	DefaultFrontendOrigin       = "http://localhost:3000"
	DefaultWsEndpoint           = "/ws"
	DefaultMaxConnections       = 10000
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultOutgoingBuffer       = 64
)

type InvalidSettingError struct {
	Name  string
	Value string
	Err   error
}

func (e *InvalidSettingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Invalid value %q for %s", e.Value, e.Name)
	}
	return fmt.Sprintf("Invalid value %q for %s: %s", e.Value, e.Name, e.Err.Error())
}

func (e *InvalidSettingError) Unwrap() error {
	return e.Err
}

type Config struct {
	Port                 int
	PortFallbackAttempts int

	// Normalized; "*" allows any origin
	AllowedOrigins []string
	WsEndpoint     string

	MaxConnections       int
	MaxMessageBytes      int64
	MaxMessagesPerSecond float64
	OutgoingBuffer       int

	IceServers []webrtc.ICEServer

	LogFile     string
	Environment string
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) AllowsAllOrigins() bool {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type Options struct {
	// Read in order; a key set by an earlier file is not overwritten by a later
	// one. Missing files are skipped.
	EnvFiles []string

	// Highest precedence values keyed by environment variable name, normally
	// the command line flags the user actually set.
	Overrides map[string]string
}

type lookupFunc func(key string) (string, bool)

func Load(opts Options) (*Config, error) {
	fileValues := map[string]string{}
	for _, path := range opts.EnvFiles {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for k, v := range values {
			if _, has := fileValues[k]; !has {
				fileValues[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := opts.Overrides[key]; ok {
			return v, true
		}
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	}

	return load(lookup)
}

func load(lookup lookupFunc) (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = intSetting(lookup, EnvPort, DefaultPort, 1, 65535); err != nil {
		return nil, err
	}
	if cfg.PortFallbackAttempts, err = intSetting(lookup, EnvPortFallbackAttempts, DefaultPortFallbackAttempts, 0, 1000); err != nil {
		return nil, err
	}
	if cfg.MaxConnections, err = intSetting(lookup, EnvMaxConnections, DefaultMaxConnections, 0, 1<<30); err != nil {
		return nil, err
	}
	maxMessageBytes, err := intSetting(lookup, EnvMaxMessageBytes, DefaultMaxMessageBytes, 512, 16<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxMessageBytes = int64(maxMessageBytes)
	if cfg.OutgoingBuffer, err = intSetting(lookup, EnvOutgoingBuffer, DefaultOutgoingBuffer, 1, 1<<16); err != nil {
		return nil, err
	}

	cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	if raw, ok := nonEmpty(lookup, EnvMaxMessagesPerSecond); ok {
		mps, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil || mps < 0 {
			return nil, &InvalidSettingError{Name: EnvMaxMessagesPerSecond, Value: raw, Err: parseErr}
		}
		cfg.MaxMessagesPerSecond = mps
	}

	rawOrigins := DefaultFrontendOrigin
	if raw, ok := nonEmpty(lookup, EnvFrontendOrigin); ok {
		rawOrigins = raw
	}
	for _, origin := range splitList(rawOrigins) {
		normalized, ok := utils.NormalizeOrigin(origin)
		if !ok || normalized == "null" {
			return nil, &InvalidSettingError{Name: EnvFrontendOrigin, Value: origin}
		}
		cfg.AllowedOrigins = append(cfg.AllowedOrigins, normalized)
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, &InvalidSettingError{Name: EnvFrontendOrigin, Value: rawOrigins}
	}

	cfg.WsEndpoint = DefaultWsEndpoint
	if raw, ok := nonEmpty(lookup, EnvWsEndpoint); ok {
		if !strings.HasPrefix(raw, "/") {
			return nil, &InvalidSettingError{Name: EnvWsEndpoint, Value: raw, Err: errors.New("must start with /")}
		}
		cfg.WsEndpoint = raw
	}

	if cfg.IceServers, err = parseIceServers(lookup); err != nil {
		return nil, err
	}

	cfg.LogFile, _ = nonEmpty(lookup, EnvLogFile)

	cfg.Environment = "development"
	if raw, ok := nonEmpty(lookup, EnvAppEnv); ok {
		cfg.Environment = strings.ToLower(raw)
	}

	return cfg, nil
}

func nonEmpty(lookup lookupFunc, key string) (string, bool) {
	raw, ok := lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func intSetting(lookup lookupFunc, key string, fallback int, min int, max int) (int, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &InvalidSettingError{Name: key, Value: raw, Err: err}
	}
	if n < min || n > max {
		return 0, &InvalidSettingError{Name: key, Value: raw, Err: fmt.Errorf("must be between %d and %d", min, max)}
	}
	return n, nil
}

func splitList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
