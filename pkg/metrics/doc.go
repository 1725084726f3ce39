// Package metrics exposes broker health as Prometheus metrics.
//
// All collectors are registered on a package-private registry so that the
// gateway's /metrics endpoint only shows broker series. Call Handler to serve
// them.
//
// # Label Conventions
//
//   - result: ok, error, degraded (discovery); ok, error (stream connect, submission)
//   - outcome: accepted, malformed, duplicate, dropped (stream events)
//   - trigger: auto, custom, default (submissions)
package metrics
