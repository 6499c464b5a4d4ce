// Copyright 2025 The Forrst Go Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package forrst

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// defaultConfigTOML carries the built-in defaults. A config file overlays
// these; anything it does not mention keeps the default.
const defaultConfigTOML = `
[request]
max_bytes = 1048576

[response]
max_bytes = 10485760

[deadline]
default_ms = 0

[operation]
ttl_seconds = 86400
sweep_seconds = 60

[idempotency]
ttl_seconds = 3600

[quota]
rate = 0.0
burst = 0

[node]
id = ""

[reserved]
namespaces = ["urn:forrst:", "urn:cline:"]
`

// Config is the server's configuration surface.
type Config struct {
	Request struct {
		// MaxBytes caps the request body; larger requests are rejected
		// before parsing. Zero disables the cap.
		MaxBytes int64 `koanf:"max_bytes" validate:"min=0"`
	} `koanf:"request"`

	Response struct {
		// MaxBytes is a soft cap on encoded responses; responses over it
		// are logged, not rejected.
		MaxBytes int64 `koanf:"max_bytes" validate:"min=0"`
	} `koanf:"response"`

	Deadline struct {
		// DefaultMS applies a deadline to requests that do not declare
		// one. Zero means no default deadline.
		DefaultMS int64 `koanf:"default_ms" validate:"min=0"`
	} `koanf:"deadline"`

	Operation struct {
		// TTLSeconds is how long finished and pending operations remain
		// queryable.
		TTLSeconds int64 `koanf:"ttl_seconds" validate:"min=1"`
		// SweepSeconds is the interval between expiry sweeps.
		SweepSeconds int64 `koanf:"sweep_seconds" validate:"min=1"`
	} `koanf:"operation"`

	Idempotency struct {
		// TTLSeconds is the default idempotency record lifetime, used
		// when a request's idempotency options carry no ttl.
		TTLSeconds int64 `koanf:"ttl_seconds" validate:"min=1"`
	} `koanf:"idempotency"`

	Quota struct {
		// Rate is the steady-state requests/second admitted per scope.
		// Zero disables quota enforcement.
		Rate float64 `koanf:"rate" validate:"min=0"`
		// Burst is the per-scope burst allowance.
		Burst int `koanf:"burst" validate:"min=0"`
	} `koanf:"quota"`

	Node struct {
		// ID names this server in response meta. Defaults to the
		// hostname.
		ID string `koanf:"id"`
	} `koanf:"node"`

	Reserved struct {
		// Namespaces are URN prefixes only the runtime itself may
		// register under.
		Namespaces []string `koanf:"namespaces"`
	} `koanf:"reserved"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	cfg, err := loadConfig("")
	if err != nil {
		// The embedded defaults are covered by tests; this cannot fail
		// at runtime.
		panic(err)
	}
	return cfg
}

// LoadConfig reads a TOML config file over the built-in defaults.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path)
}

func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultConfigTOML)), toml.Parser()); err != nil {
		return Config{}, fmt.Errorf("loading default config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "forrst-" + uuid.NewString()[:8]
		}
		cfg.Node.ID = host
	}
	return cfg, nil
}

func (c *Config) deadlineDefault() time.Duration {
	return time.Duration(c.Deadline.DefaultMS) * time.Millisecond
}

func (c *Config) operationTTL() time.Duration {
	return time.Duration(c.Operation.TTLSeconds) * time.Second
}

func (c *Config) sweepInterval() time.Duration {
	return time.Duration(c.Operation.SweepSeconds) * time.Second
}

func (c *Config) idempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLSeconds) * time.Second
}

func (c *Config) reservedNamespaces() []string {
	if len(c.Reserved.Namespaces) == 0 {
		return defaultReservedNamespaces
	}
	return c.Reserved.Namespaces
}
