// Package vad measures voice activity in 16-bit PCM audio. A Meter keeps a
// smoothed RMS level per speaker and accumulates how long each speaker was
// actually talking, which the meeting pipeline reports as talk time.
package vad
