// Package meeting orchestrates the per-meeting pipeline.
//
// A Manager owns the registry of active meetings. Each Pipeline binds one
// rebuffer, one streaming transcription session, one speaker tracker and one
// insight extractor to a meeting, and runs a single event loop that consumes
// transcription events in order. Stopping a meeting flushes audio, closes
// the transcription session, drains the loop and writes the final report.
package meeting
