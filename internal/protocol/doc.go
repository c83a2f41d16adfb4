// Package protocol implements the binary packet format used by media
// gateways to push raw meeting audio over UDP.
// Every packet starts with an 8-byte big-endian header followed by the
// meeting id and either PCM audio or a start/stop control payload.
package protocol
