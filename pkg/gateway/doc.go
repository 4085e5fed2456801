// Package gateway is the real-time session gateway: authenticated websocket
// connections grouped per chat session, fan-out of messages and presence, the
// chat/voice mode machine and connection liveness supervision.
//
// Ownership model:
//   - A Server owns exactly one Registry, WorkTracker and LivenessSupervisor;
//     their lifetime is bounded by Server.Run.
//   - Each connection has one read loop (the HTTP handler goroutine) and one
//     writer goroutine draining its send buffer.
//   - message:send and mode:change are dispatched as tracked units of work and
//     run on the server's base context, so closing a socket never cancels them.
//
// Recommended setup:
//   - Build the stores and collaborators, then call NewServer with Dependencies.
//   - Mount Server.Handler or call Server.Run.
package gateway
