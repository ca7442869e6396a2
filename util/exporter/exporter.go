// Copyright 2024 The StratoFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package exporter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	namespace         string
	enabledPrometheus bool
	registry          = prometheus.NewRegistry()

	counterGroup sync.Map
	tpGroup      sync.Map
)

// Init enables metric publication under the given cluster and module
// names. Before Init is called all metric operations are no-ops.
func Init(cluster, module string) {
	namespace = fmt.Sprintf("%s_%s", cluster, module)
	enabledPrometheus = true
}

// Registry exposes the collector registry for an HTTP handler owned
// by the embedding process.
func Registry() *prometheus.Registry {
	return registry
}

func metricsName(name string) string {
	return strings.Replace(fmt.Sprintf("%s_%s", namespace, name), "-", "_", -1)
}

// Counter is a monotonically increasing metric.
type Counter struct {
	counter prometheus.Counter
}

// NewCounter returns the counter registered under name, creating it
// on first use.
func NewCounter(name string) *Counter {
	if !enabledPrometheus {
		return nil
	}
	key := metricsName(name)
	if v, ok := counterGroup.Load(key); ok {
		return v.(*Counter)
	}
	c := &Counter{
		counter: prometheus.NewCounter(prometheus.CounterOpts{Name: key}),
	}
	if actual, loaded := counterGroup.LoadOrStore(key, c); loaded {
		return actual.(*Counter)
	}
	registry.MustRegister(c.counter)
	return c
}

// Add increments the counter. Safe on a nil receiver.
func (c *Counter) Add(val int64) {
	if c == nil {
		return
	}
	c.counter.Add(float64(val))
}

// TimePoint samples the latency and outcome of one operation.
type TimePoint struct {
	start   time.Time
	latency prometheus.Histogram
	failed  prometheus.Counter
}

type tpMetric struct {
	latency prometheus.Histogram
	failed  prometheus.Counter
}

// NewTPCnt starts a latency sample for the named operation.
func NewTPCnt(name string) *TimePoint {
	if !enabledPrometheus {
		return nil
	}
	key := metricsName(name)
	var m *tpMetric
	if v, ok := tpGroup.Load(key); ok {
		m = v.(*tpMetric)
	} else {
		m = &tpMetric{
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    key + "_us",
				Buckets: prometheus.ExponentialBuckets(10, 4, 8),
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{Name: key + "_failed"}),
		}
		if actual, loaded := tpGroup.LoadOrStore(key, m); loaded {
			m = actual.(*tpMetric)
		} else {
			registry.MustRegister(m.latency, m.failed)
		}
	}
	return &TimePoint{start: time.Now(), latency: m.latency, failed: m.failed}
}

// Set completes the sample. Safe on a nil receiver.
func (tp *TimePoint) Set(err error) {
	if tp == nil {
		return
	}
	tp.latency.Observe(float64(time.Since(tp.start).Microseconds()))
	if err != nil {
		tp.failed.Add(1)
	}
}
