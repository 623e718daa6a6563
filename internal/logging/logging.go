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

// Package logging configures the single zap logger every component
// logs through. It is deliberately small compared to the teacher's own
// logging.go: goshadow has one sink (stderr), not a pluggable set of
// named writers, so this package keeps only the part of the teacher's
// design that still applies — a package-level accessor, set to a
// default at init (L, mirroring the teacher's Log()) so components never pass
// a *zap.Logger through every constructor.
package logging

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	current.Store(l)
}

// Configure installs the process-wide logger built from level/format,
// replacing whatever was configured before (including the production
// default installed at package init). level is one of
// debug|info|warn|error; format is console|json.
func Configure(level, format string) error {
	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlevel)
	cfg.Encoding = "json"
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logging: build logger: %w", err)
	}
	current.Store(l)
	return nil
}

// L returns the process-wide logger. It is always safe to call, even
// before Configure: a sane production default is installed at init.
func L() *zap.Logger {
	return current.Load()
}
