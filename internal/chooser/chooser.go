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

// Package chooser defines the pluggable peer-relay selection strategy.
// Per spec §1 and §9, server selection policy is an external
// collaborator: the relay is constructed with one and never knows
// which concrete strategy it got. Single-endpoint goshadow
// deployments use Static; a pool-aware chooser (health checks,
// round robin, latency-weighted) is a drop-in replacement that never
// touches internal/relay.
package chooser

import "github.com/tuian/goshadow/internal/config"

// ServerChooser returns the peer relay endpoint a new session should
// connect through.
type ServerChooser interface {
	Choose() config.Endpoint
}

// Static always returns the same configured peer relay endpoint. It is
// the only chooser goshadow ships; it is constructed once and shared,
// read-only, by every session (spec §5's "shared resources").
type Static struct {
	endpoint config.Endpoint
}

// NewStatic returns a ServerChooser fixed to endpoint.
func NewStatic(endpoint config.Endpoint) *Static {
	return &Static{endpoint: endpoint}
}

// Choose implements ServerChooser.
func (s *Static) Choose() config.Endpoint {
	return s.endpoint
}
