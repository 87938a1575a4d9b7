// Package presence tracks which identities are currently connected.
//
// # Overview
//
// The presence package owns the in-memory mapping from identity (agent
// code) to its live connection and current status, plus reverse indexes by
// team and by role. It is the single source of truth for "who is online":
// entries are created on registration, mutated by status updates, and
// removed only by explicit unregistration, so the registry never disagrees
// with the set of live handles.
//
// # Registry
//
// The Registry tracks all live entries:
//
//	reg := presence.NewRegistry("available", logger)
//
// Key operations:
//
//   - Register(identity, role, team, handle): Insert or replace the entry
//   - UpdateStatus(identity, status): Mutate status in place
//   - Unregister(identity) / Release(identity, handle): Remove the entry
//   - Lookup(identity), LookupTeam(team), ListByRole(role), Snapshot()
//
// # Supersede semantics
//
// At most one entry exists per identity. Registering an identity that is
// already online pushes a connection_superseded event to the old handle and
// kicks it before the new entry takes the slot. The superseded session's
// teardown calls Release, which compares handles and therefore never evicts
// the successor.
//
// # Handles
//
// Connections appear here only as the Handle capability (Push, Kick), not
// as transport objects. Pushing must never block; slow consumers are the
// session layer's problem.
package presence
