// Package metrics exports connection activity as Prometheus metrics. A
// Collector is a wmi.Observer: install it with wmi.WithObserver and serve
// Handler from the process metrics endpoint.
package metrics
