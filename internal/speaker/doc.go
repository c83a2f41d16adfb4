// Package speaker attributes meeting audio to conversational roles.
// Speakers are auto-assigned by order of first appearance and can be
// reassigned from the dashboard at any time.
package speaker
