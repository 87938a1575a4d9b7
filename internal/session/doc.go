// Package session drives the lifecycle of one live wallboard connection.
//
// # State machine
//
// Every connection moves through Connecting → Identified → Active → Closed:
//
//   - Connecting: transport open, waiting for the handshake frame
//   - Identified: agent_connect/supervisor_connect validated against the
//     authenticated token subject
//   - Active: registered in the presence registry, receiving routed events
//   - Closed: transport gone; the presence entry is released on every exit
//     path, including abrupt network loss
//
// Only the first identify is honored. A second identify on an active
// session gets an AlreadyIdentified failure ack and the connection stays
// open; re-identifying with a different role or identity mid-session is
// therefore impossible.
//
// # Event processing
//
// Inbound frames are handled in arrival order on the read loop. Outbound
// pushes go through a buffered channel drained by the write loop; a full
// buffer drops the event for that session rather than blocking the relay.
package session
