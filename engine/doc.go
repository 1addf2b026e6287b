// Package engine declares the boundary to the native mix-network engine.
//
// The engine is an opaque collaborator: it owns node selection, the wire
// protocol and all cryptography. This package only fixes the contract the
// session layer programs against:
//
//   - Single-method callback interfaces the engine invokes from its own
//     threads (NetworkHealthCallback, Listener, MessageDeliveryCallback, ...)
//   - The Engine interface and the sub-manager interfaces it hands out
//     (UserDiscovery, GroupChat, FileTransfer, DummyTraffic, Backup)
//   - JSON report types exchanged across the boundary
//
// Callbacks carry JSON-encoded payloads, mirroring the engine's bindings.
// Decoding them into the types declared here is the job of the bridge
// package.
package engine
