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

// Package metrics exposes operational counters over Prometheus. It is
// purely observational: nothing in the reactor's single-threaded core
// reads these values back, so the HTTP exposition server can run on
// its own goroutine without violating spec §5's concurrency model.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goshadow",
		Name:      "sessions_opened_total",
		Help:      "TCP sessions accepted by the relay.",
	})

	SessionsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goshadow",
		Name:      "sessions_destroyed_total",
		Help:      "TCP sessions destroyed, labeled by the stage they were in.",
	}, []string{"stage"})

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "goshadow",
		Name:      "sessions_live",
		Help:      "TCP sessions currently registered with the reactor.",
	})

	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goshadow",
		Name:      "bytes_relayed_total",
		Help:      "Bytes read from or written to a session socket, labeled by direction.",
	}, []string{"direction"}) // "from_local" | "from_remote" | "to_local" | "to_remote"

	DNSQueries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goshadow",
		Name:      "dns_queries_total",
		Help:      "Hostname resolutions started.",
	})

	DNSTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "goshadow",
		Name:      "dns_timeouts_total",
		Help:      "Hostname resolutions reported to a session as failed (deadline passed, send error, or no address record).",
	})
)

// Serve starts the Prometheus exposition HTTP server on addr, returning
// once ctx is cancelled. An empty addr is a no-op, matching
// Config.MetricsAddr's "empty disables" convention.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
