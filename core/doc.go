// Package core provides the foundational domain types and interfaces used by
// RelayMesh. It defines the core abstractions for:
//
//   - Messages (the envelope carrying requests, responses, notifications,
//     broadcasts, heartbeats and error replies between participants)
//   - Participants (addressable registered entities with capabilities,
//     status and load)
//   - Collaborator interfaces (metrics sink, policy checks) injected into
//     components at construction instead of imported as ambient singletons
//
// The package intentionally keeps implementation concerns (queueing, routing
// strategies, workflow execution) out of scope, exposing small types and
// interfaces so the delivery bus, signal router and workflow engine can be
// composed and tested independently.
package core
