// Package api implements the admin HTTP API and WebSocket event stream for
// the resource database.
//
// This package provides:
//   - Read-only REST endpoints over the resource tree and the type registry
//   - A WebSocket hub streaming resource events by path prefix
//   - Prometheus exposition and a JSON stats summary
//   - On-demand S3 snapshot export when backups are configured
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The server reads through *resource.Store and never mutates the tree.
// Writes reach the store from Go callers or the MQTT set topic. The hub
// holds one recursive registration on the root and fans events out to
// connected clients according to their subscribed paths.
//
// # Graceful Degradation
//
// MQTT, persistence and backup are optional. Their sections are omitted
// from the stats response and the backup routes answer 503 when absent.
package api
