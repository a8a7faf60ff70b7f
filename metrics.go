// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piecrust

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "piecrust"

type metrics struct {
	calls        prometheus.Counter
	deploys      prometheus.Counter
	reExecutions prometheus.Counter
	commits      prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		calls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Top-level queries and transacts issued",
		}),
		deploys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deploys_total",
			Help:      "Modules deployed into sessions",
		}),
		reExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "re_executions_total",
			Help:      "Session replays triggered by call failures",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Sessions committed to the store",
		}),
	}

	if registerer != nil {
		for _, c := range []prometheus.Collector{m.calls, m.deploys, m.reExecutions, m.commits} {
			_ = registerer.Register(c)
		}
	}

	return m
}
