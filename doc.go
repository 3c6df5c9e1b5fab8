// Package procmesh is the runtime of a distributed multi-process
// compute mesh: it launches and connects a set of peer worker
// processes, multiplexes remote calls over long-lived duplex streams,
// and resolves remote references to computed values with at-most-once
// delivery.
//
// # How it works
//
// One process is the *controller* (worker id 1); it is the only one
// allowed to grow or shrink the cluster. `Cluster.AddWorkers` asks the
// configured `Launcher` for fresh worker processes, runs the cookie
// handshake on each new stream, and completes a join exchange that
// assigns the worker its id and tells it which peers to link to
// (full mesh, star, or a custom pattern — eagerly or on first use).
//
// Calls travel by registered function name:
//
//	cluster.Register("double", func(args ...any) (any, error) { ... })
//	v, err := cluster.RemoteCallFetch("double", 2, int64(21))
//
// `RemoteCall` returns a `Future` instead of blocking; `RemoteCallWait`
// awaits completion; `RemoteDo` is fire-and-forget. Many outstanding
// calls share one stream per peer; replies correlate through reference
// identifiers carried in every frame header, not through ordering.
//
// # Failure model
//
// An error raised inside a remotely-executed function is captured with
// its stack and crosses the wire as a `RemoteException`. A body that
// fails to decode poisons only its own frame: the dispatcher answers
// the mangled request with a decode exception, scans forward to the
// frame boundary and keeps serving. Peer death resolves every value the
// local process was awaiting from that peer. Losing the controller is
// fatal to a worker.
//
// The transport is whatever the `Launcher` produces: in-process pipes
// (`PipeLauncher`), plain TCP (`ExecLauncher`), or TLS-authenticated
// QUIC streams (`QUICPeer`).
package procmesh
