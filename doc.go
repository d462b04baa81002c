// Package tainin routes messages between processes connected by plain
// byte streams, with no broker and no shared cluster state.
//
// A message is a `frame.MultiFrame`: a set of byte buffer lists keyed by
// small integers. Non-negative keys are payload, negative keys carry the
// protocol metadata telling each `Node` what to do with the message.
//
// ## How it works
//
// Every `Node` owns a routing table. Its first keys are fixed:
//
//   - 0 leads to the endpoint table, one entry per connected peer.
//   - 1 leads to the connection source table, used by peers asking us to
//     connect somewhere.
//   - 2 leads to the call response handler, which completes pending calls.
//
// The other keys are handlers and routers registered under a name with
// `Node.Handle` and `Node.Register`.
//
// A message travels along its routing path: each table pops one key and
// hands the message over to whatever the key points to. When the path is
// consumed, named tables pop a name from the name path instead, so the
// last hops of a route can be spelled out without knowing the keys a
// remote node assigned.
//
// Each endpoint a message enters through prepends the keys leading back to
// itself to the return path. Once the message reaches its handler, the
// return path is the exact route of the reply.
//
// Peers are reached through `ConnectionSource`s. `TCPSource` is the
// simplest one; `QUICSource` runs every connection over mTLS and names
// peers after their certificate. A connection becomes a
// `endpoint.StreamEndpoint` which handshakes, keeps the link alive and
// tells the peer when it goes away.
//
// ## Design Principles
//
// Nodes do not agree on anything: there is no membership, no consensus,
// no discovery. A topology is whatever connections you make, and a message
// that cannot be routed is dropped and counted. Callers must bound their
// calls with a context, replies are never guaranteed.
package tainin
