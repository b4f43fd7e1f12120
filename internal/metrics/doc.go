// Package metrics records operational counters through OpenTelemetry.
//
// Every configured source gets a bound counter set:
//   - <namespace>.messages / .errors / .connections tagged network=<source>
//   - <namespace>.<key>.messages / .errors / .connections per source
//
// Recording never returns an error and never blocks the caller. Exporter
// failures are logged and dropped.
package metrics
