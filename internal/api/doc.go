// Package api exposes a read-only HTTP view of a running simulation: the
// aggregate run statistics, the per-iteration history and the Prometheus
// metrics endpoint.
package api
