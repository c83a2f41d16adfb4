// Package transcription implements the streaming speech-to-text session.
// A Session holds one websocket connection per meeting, sends paced PCM
// frames, and maps inbound Begin, Turn and Termination messages to a
// transport-neutral Event stream consumed in order by the meeting pipeline.
package transcription
