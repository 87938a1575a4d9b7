// Package store provides message persistence for wallboard-gateway.
// The live relay only inserts and reads records; the unread→read mark is
// the single permitted mutation.
package store
