// Package audio handles audio rebuffering and recording.
// It paces variable-size PCM packets into fixed-duration frames for a
// streaming transcription transport and can archive the raw stream as WAV.
package audio
