// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the registry and its task engine.
var (
	metricsInstallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_registry_installs_started_total",
		Help: "Installation tasks enqueued",
	})
	metricsRemovalsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_registry_removals_started_total",
		Help: "Deinstallation tasks enqueued",
	})
	metricsTasksFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_registry_tasks_finished_total",
		Help: "Tasks that reached the Finished state",
	})
	metricsTasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_registry_tasks_failed_total",
		Help: "Tasks that reached the Failed state",
	})
	metricsPackages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pkgd_registry_packages",
		Help: "Packages currently registered (built-in and installed)",
	})
	metricsTaskSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pkgd_registry_task_seconds",
		Help:    "Wall-clock duration of tasks from start to terminal state",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

var metricsRegisterOnce sync.Once

// metricsInit registers the registry metrics with the default Prometheus
// registerer, exactly once per process.
func metricsInit() {
	metricsRegisterOnce.Do(func() {
		prometheus.MustRegister(
			metricsInstallsStarted,
			metricsRemovalsStarted,
			metricsTasksFinished,
			metricsTasksFailed,
			metricsPackages,
			metricsTaskSeconds,
		)
	})
}
