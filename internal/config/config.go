// Copyright 2026 The goshadow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the immutable record the core is configured
// from. Per spec §9's design note, there is no process-wide config
// singleton: a Config value is built once and passed into the relay
// constructor.
//
// The on-disk loader's policy (includes, hot reload, environment
// overlays) is out of scope per spec §1 — only the struct and decoding
// from a single TOML document are implemented. TOML, not JSON, because
// the original implementation's configuration was itself a TOML table
// (see original_source/src/relay/mod.rs's `toml::Table`).
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tuian/goshadow/internal/cipher"
)

// Role selects which end of the tunnel this process runs.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Endpoint is a host/port pair, used both for the peer relay address
// and the local bind address.
type Endpoint struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}

// Config is the full, immutable configuration record consumed by the
// core (spec §6). The fields from Role through DNSServer are read by
// the core; LogLevel, LogFormat and MetricsAddr are ambient plumbing
// (logging, metrics) the core doesn't touch directly but the binary
// needs.
type Config struct {
	Role       Role     `toml:"role"`
	Password   string   `toml:"password"`
	Method     string   `toml:"method"`
	Server     Endpoint `toml:"server"`
	Local      Endpoint `toml:"local"`
	PreferIPv6 bool     `toml:"prefer_ipv6"`
	Timeout    int      `toml:"timeout"` // seconds

	DNSServer string `toml:"dns_server"` // optional override; empty means system default

	LogLevel  string `toml:"log_level"`  // debug|info|warn|error
	LogFormat string `toml:"log_format"` // console|json

	MetricsAddr string `toml:"metrics_addr"` // empty disables the metrics HTTP server
}

// TimeoutDuration returns the configured idle timeout as a
// time.Duration, defaulting to 5 minutes if unset.
func (c Config) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Timeout) * time.Second
}

// Load decodes a TOML document at path into a Config and validates it.
// This is the one piece of "loader policy" the core needs to exist at
// all (there must be some way to get a Config from disk); anything
// beyond a single-file decode (includes, watching, secrets providers)
// is explicitly out of scope.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the fields the core actually depends on are
// present and sane.
func (c Config) Validate() error {
	switch c.Role {
	case RoleClient, RoleServer:
	default:
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleClient, RoleServer, c.Role)
	}
	if c.Password == "" {
		return fmt.Errorf("config: password is required")
	}
	switch c.Method {
	case cipher.MethodAES256GCM, cipher.MethodAES256CFB, cipher.MethodChacha20IETFPoly1305:
	default:
		return fmt.Errorf("%w: %q", cipher.ErrUnknownMethod, c.Method)
	}
	if c.Server.Host == "" || c.Server.Port == 0 {
		return fmt.Errorf("config: server.host and server.port are required")
	}
	if c.Local.Port == 0 {
		return fmt.Errorf("config: local.port is required")
	}
	return nil
}
