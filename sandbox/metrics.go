/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	serviceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libsandbox_service_requests_total",
		Help: "Host service requests handled by the pagemap service.",
	}, []string{"kind", "result"})

	droppedResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "libsandbox_dropped_responses_total",
		Help: "Requests read from a channel whose sandbox entry was already removed; no response was sent.",
	})

	activeSandboxes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libsandbox_active_sandboxes",
		Help: "Sandboxes currently registered with the pagemap service.",
	})

	callsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libsandbox_calls_in_flight",
		Help: "Sandbox invocations currently blocked in Send.",
	})
)

func init() {
	prometheus.MustRegister(serviceRequests, droppedResponses, activeSandboxes, callsInFlight)
}

func countRequest(kind requestKind, rejected bool) {
	result := "ok"
	if rejected {
		result = "rejected"
	}
	serviceRequests.WithLabelValues(kind.String(), result).Inc()
}
