package wire

// Tag is the wire discriminant of a frame. It travels in the header so
// that a body which fails to decode can still be attributed to the
// request's reference identifiers.
type Tag uint8

const (
	TagInvalid Tag = iota
	TagCall
	TagCallFetch
	TagCallWait
	TagRemoteDo
	TagResult
	TagIdentifySocket
	TagIdentifySocketAck
	TagJoinPGRP
	TagJoinComplete
)

func (t Tag) String() string {
	switch t {
	case TagCall:
		return "call"
	case TagCallFetch:
		return "call_fetch"
	case TagCallWait:
		return "call_wait"
	case TagRemoteDo:
		return "remote_do"
	case TagResult:
		return "result"
	case TagIdentifySocket:
		return "identify_socket"
	case TagIdentifySocketAck:
		return "identify_socket_ack"
	case TagJoinPGRP:
		return "join_pgrp"
	case TagJoinComplete:
		return "join_complete"
	default:
		return "invalid"
	}
}

// Header precedes every body on the wire. ResponseOID is where the
// producer stores the result, NotifyOID is where the initiator awaits
// it. Either may be null independently.
type Header struct {
	Tag         Tag
	ResponseOID RRID
	NotifyOID   RRID
}

// Msg is implemented by every body variant.
type Msg interface {
	isMsg()
}

// CallMsg asks the peer to execute a registered function. It backs both
// the `call` and `call_fetch` verbs; the header tag tells them apart.
type CallMsg struct {
	Func string
	Args []any
}

// CallWaitMsg schedules a call like CallMsg and additionally asks for a
// completion acknowledgement on NotifyOID.
type CallWaitMsg struct {
	Func string
	Args []any
}

// RemoteDoMsg is fire-and-forget execution: no reply, errors are logged
// on the executing side only.
type RemoteDoMsg struct {
	Func string
	Args []any
}

// ResultMsg carries a value (or a captured remote exception) to the
// slot named by the header's ResponseOID.
type ResultMsg struct {
	Value any
	Exc   *Exception
}

// Exception is the wire form of an error captured on a peer.
type Exception struct {
	Pid       int64
	Kind      string
	Msg       string
	Backtrace string
}

// IdentifySocketMsg is the first message on a worker-to-worker
// connection: it tells the acceptor who dialed.
type IdentifySocketMsg struct {
	SelfPid int64
}

// IdentifySocketAckMsg closes the identity exchange and carries the
// acceptor's advisory version.
type IdentifySocketAckMsg struct {
	Version string
}

// JoinEntry describes one already-joined worker a fresh worker may have
// to connect to.
type JoinEntry struct {
	Pid  int64
	Addr string
}

// JoinPGRPMsg is sent by the controller on a fresh worker's first
// connection. SelfPid is the id the worker must adopt.
type JoinPGRPMsg struct {
	SelfPid        int64
	OtherWorkers   []JoinEntry
	Topology       string
	Lazy           bool
	ComputeThreads int
}

// JoinCompleteMsg closes the join handshake. It is sent with a null
// ResponseOID and the NotifyOID taken from the JoinPGRP header.
type JoinCompleteMsg struct {
	CPUThreads int
	OSPid      int64
}

func (*CallMsg) isMsg()              {}
func (*CallWaitMsg) isMsg()          {}
func (*RemoteDoMsg) isMsg()          {}
func (*ResultMsg) isMsg()            {}
func (*IdentifySocketMsg) isMsg()    {}
func (*IdentifySocketAckMsg) isMsg() {}
func (*JoinPGRPMsg) isMsg()          {}
func (*JoinCompleteMsg) isMsg()      {}
