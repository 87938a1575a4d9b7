// Package wire defines the event envelope and payload schemas exchanged
// over a wallboard connection, with boundary validation so malformed
// payloads never reach core logic.
package wire
