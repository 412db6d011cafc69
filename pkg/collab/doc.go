// Package collab keeps one editing session's diagram in sync with the other
// sessions of the same project.
//
// An [Engine] owns a [diagram.Store] and a [transport.Channel]. Local edits go
// through the Engine's edit methods, which mutate the store and schedule a
// debounced full-snapshot publish. Node drags stream throttled cursor
// messages instead, and the end of a drag publishes a snapshot immediately.
// Every (re)connection publishes an immediate snapshot, which is how peers
// recover anything missed while the connection was down.
//
// Inbound snapshots replace the whole graph; there is no merge, so the most
// recently applied snapshot wins. Snapshots sent by this session are ignored.
// Inbound cursor messages move a single node, gated by a per-node sequence
// number so that a late sample never moves a node backwards.
//
// # Concurrency
//
// Engine methods and inbound handlers are serialized by one mutex, which
// plays the role of a single event thread. Messages are always sent after the
// mutex is released, so transports that deliver synchronously (such as
// transport.Hub) may call straight back into the Engine.
package collab
