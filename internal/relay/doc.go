// Package relay decides which live connections receive a push for each
// message or status change, consulting the presence registry and recording
// messages durably before any delivery is attempted.
package relay
