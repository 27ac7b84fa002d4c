/*
RDP Peer Go - Server-side RDP protocol core
Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as
published by the Free Software Foundation, either version 3 of the
License, or (at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rdp",
		Name:      "connections_total",
		Help:      "Accepted RDP connections.",
	})

	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rdp",
		Name:      "connections_active",
		Help:      "Connections currently in the ACTIVE state.",
	})

	metricHandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdp",
		Name:      "handshake_failures_total",
		Help:      "Connections that failed before reaching ACTIVE, by phase.",
	}, []string{"phase"})

	metricHandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rdp",
		Name:      "handshake_duration_seconds",
		Help:      "Wall time from accept to ACTIVE.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	metricFramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdp",
		Name:      "frames_in_total",
		Help:      "Inbound frames by path (slow or fast).",
	}, []string{"path"})

	metricChannelBytesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdp",
		Name:      "channel_bytes_out_total",
		Help:      "Virtual channel payload bytes written, by channel name.",
	}, []string{"channel"})

	metricChannelFragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdp",
		Name:      "channel_fragments_total",
		Help:      "Virtual channel fragments, by channel name and direction.",
	}, []string{"channel", "direction"})
)
