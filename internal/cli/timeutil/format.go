// Package timeutil holds the shared time layout for driftsyncctl output.
package timeutil

// LocalTimeFormat is the layout for local timestamps in command output
// (device registration times, token expiry).
const LocalTimeFormat = "Mon Jan 2 15:04:05 2006"
