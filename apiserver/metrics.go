// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package apiserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scottyapp/scotty/appstate"
	"github.com/scottyapp/scotty/metrics"
)

// metricsHandler exposes the Prometheus registry when metrics are
// enabled; with metrics disabled the sink is a NopSink and there is no
// registry to scrape, so the route reports 404 instead of an empty body.
func metricsHandler(state *appstate.SharedAppState) http.Handler {
	p, ok := state.Metrics.(*metrics.Prometheus)
	if !ok {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}
