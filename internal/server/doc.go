// Package server exposes the meeting pipeline over the network: the lifecycle
// webhook and dashboard API over HTTP, and raw audio ingest over UDP with
// per-meeting ordered workers.
package server
