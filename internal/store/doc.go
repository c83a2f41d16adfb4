// Package store persists meeting session state and final reports.
//
// FileStore keeps one JSON document per session under <dir>/sessions, a
// write-once final report under <dir>/reports and the WAV recording path
// under <dir>/recordings. ReportIndex projects finalized reports into
// SQLite for listing.
package store
