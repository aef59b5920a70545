// Package sinks contains progress.Sink implementations: structured logs,
// Prometheus collectors and outcome notifications through a Publisher.
package sinks
