/*
 * MIT License
 *
 * Copyright (c) 2026 nodeagentd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package metrics holds the Prometheus collectors every component
// updates. No HTTP exposition lives here; cmd/nodeagentd wires a
// promhttp handler to Registry when metrics are enabled.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector this agent exposes, constructed once
// at startup and threaded through the AgentContext.
type Registry struct {
	reg *prometheus.Registry

	RPCInflight        prometheus.Gauge
	RPCTotal           *prometheus.CounterVec
	VaultJobs          prometheus.Gauge
	IOBuffersFree      prometheus.Gauge
	BcastTransfersActive prometheus.Gauge
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RPCInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeagentd_rpc_inflight",
			Help: "RPC worker goroutines currently handling a request.",
		}),
		RPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeagentd_rpc_total",
			Help: "RPC requests handled, by message type and result code.",
		}, []string{"msg_type", "code"}),
		VaultJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeagentd_vault_jobs",
			Help: "Jobs currently tracked by the credential vault.",
		}),
		IOBuffersFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeagentd_iobuffers_free",
			Help: "IOBuffers currently sitting in the multiplexer's freelists.",
		}),
		BcastTransfersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodeagentd_bcast_transfers_active",
			Help: "File-broadcast transfers with an open destination fd.",
		}),
	}

	reg.MustRegister(r.RPCInflight, r.RPCTotal, r.VaultJobs, r.IOBuffersFree, r.BcastTransfersActive)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// exposition handler (e.g. promhttp.HandlerFor) to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
