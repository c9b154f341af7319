// Package metrics exposes daemon counters and gauges in the Prometheus format.
package metrics
