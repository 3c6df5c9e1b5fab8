package procmesh

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/platformaware/procmesh/pkg/wire"
)

// slot is the single-value rendezvous backing a RemoteValue. At most
// one put ever succeeds; take consumes, fetch peeks. An unbuffered slot
// blocks the putter until the value has been taken.
type slot struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buffered bool
	hasValue bool
	consumed bool
	value    any
}

func newSlot(buffered bool) *slot {
	s := &slot{buffered: buffered}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *slot) put(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasValue || s.consumed {
		return ErrDoublePut
	}
	s.value = v
	s.hasValue = true
	s.cond.Broadcast()
	if !s.buffered {
		for !s.consumed {
			s.cond.Wait()
		}
	}
	return nil
}

func (s *slot) take() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.hasValue {
		if s.consumed {
			return nil, ErrRefConsumed
		}
		s.cond.Wait()
	}
	v := s.value
	s.value = nil
	s.hasValue = false
	s.consumed = true
	s.cond.Broadcast()
	return v, nil
}

// takeTimeout is take with a deadline; only the join handshake uses it.
func (s *slot) takeTimeout(d time.Duration) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := false
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		expired = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	for !s.hasValue {
		if s.consumed {
			return nil, ErrRefConsumed
		}
		if expired {
			return nil, ErrLaunchTimeout
		}
		s.cond.Wait()
	}
	v := s.value
	s.value = nil
	s.hasValue = false
	s.consumed = true
	s.cond.Broadcast()
	return v, nil
}

func (s *slot) fetch() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.hasValue {
		if s.consumed {
			return nil, ErrRefConsumed
		}
		s.cond.Wait()
	}
	return s.value, nil
}

func (s *slot) isConsumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// RemoteValue is the process-local record of one owned remote
// reference.
type RemoteValue struct {
	rrid wire.RRID
	slot *slot

	// producer flips once: exactly one producer task is ever scheduled
	// per owned ResponseOID, duplicates are ignored.
	producer atomic.Bool

	// clients holds the worker ids with an outstanding handle on this
	// value; the entry is reclaimed once it empties and the slot has
	// been consumed.
	clients map[int64]struct{}

	// waitingFor is the worker whose reply will fill the slot; 0 when
	// the value is produced locally.
	waitingFor int64

	// syncLock is present iff the slot is unbuffered. Any path that
	// produces a value into the slot and emits a result frame holds it
	// until the frame is fully on the wire.
	syncLock *sync.Mutex
}

// SyncTake wraps a value taken from an unbuffered slot on behalf of a
// remote caller. The taker acquired the slot's syncLock; the result
// sender releases it once the frame is on the wire.
type SyncTake struct {
	Value any
	rv    *RemoteValue
}

func (st *SyncTake) unlock() {
	st.rv.syncLock.Unlock()
}

// scheduleProducer reports whether the caller won the right to produce
// this value.
func (rv *RemoteValue) scheduleProducer() bool {
	return rv.producer.CompareAndSwap(false, true)
}

func (c *Cluster) mintRRID(tag uint32) wire.RRID {
	return wire.RRID{Whence: c.MyID(), ID: c.refSeq.Add(1), Tag: tag}
}

// registerRef creates the registry entry for rrid. The minting worker
// is always the first client.
func (c *Cluster) registerRef(r wire.RRID, buffered bool, waitingFor int64) (*RemoteValue, error) {
	rv := &RemoteValue{
		rrid:       r,
		slot:       newSlot(buffered),
		clients:    map[int64]struct{}{r.Whence: {}},
		waitingFor: waitingFor,
	}
	if !buffered {
		rv.syncLock = new(sync.Mutex)
	}
	c.reflk.Lock()
	defer c.reflk.Unlock()
	if _, dup := c.refs[r]; dup {
		return nil, ErrRefExists
	}
	c.refs[r] = rv
	return rv, nil
}

// ensureRef is the inbound-call path: the first frame naming an owned
// ResponseOID creates its entry, later ones reuse it.
func (c *Cluster) ensureRef(r wire.RRID, buffered bool) *RemoteValue {
	c.reflk.Lock()
	defer c.reflk.Unlock()
	if rv, ok := c.refs[r]; ok {
		return rv
	}
	rv := &RemoteValue{
		rrid:       r,
		slot:       newSlot(buffered),
		clients:    map[int64]struct{}{r.Whence: {}},
		waitingFor: 0,
	}
	if !buffered {
		rv.syncLock = new(sync.Mutex)
	}
	c.refs[r] = rv
	return rv
}

func (c *Cluster) lookupRef(r wire.RRID) (*RemoteValue, bool) {
	c.reflk.Lock()
	defer c.reflk.Unlock()
	rv, ok := c.refs[r]
	return rv, ok
}

// putRef stores a value. The registry mutex is only held for the
// lookup; the (possibly blocking) slot put happens outside it.
func (c *Cluster) putRef(r wire.RRID, v any) error {
	rv, ok := c.lookupRef(r)
	if !ok {
		return ErrRefNotFound
	}
	return rv.slot.put(v)
}

func (c *Cluster) takeRefLocal(r wire.RRID) (any, error) {
	rv, ok := c.lookupRef(r)
	if !ok {
		return nil, ErrRefNotFound
	}
	v, err := rv.slot.take()
	if err != nil {
		return nil, err
	}
	c.maybeReclaim(rv)
	return v, nil
}

func (c *Cluster) fetchRefLocal(r wire.RRID) (any, error) {
	rv, ok := c.lookupRef(r)
	if !ok {
		return nil, ErrRefNotFound
	}
	return rv.slot.fetch()
}

func (c *Cluster) addClient(r wire.RRID, wid int64) {
	c.reflk.Lock()
	defer c.reflk.Unlock()
	if rv, ok := c.refs[r]; ok {
		rv.clients[wid] = struct{}{}
	}
}

func (c *Cluster) removeClient(r wire.RRID, wid int64) {
	c.reflk.Lock()
	rv, ok := c.refs[r]
	if ok {
		delete(rv.clients, wid)
	}
	c.reflk.Unlock()
	if ok {
		c.maybeReclaim(rv)
	}
}

// maybeReclaim drops the entry once nobody holds a handle and the value
// has been consumed.
func (c *Cluster) maybeReclaim(rv *RemoteValue) {
	if !rv.slot.isConsumed() {
		return
	}
	c.reflk.Lock()
	defer c.reflk.Unlock()
	if len(rv.clients) == 0 {
		delete(c.refs, rv.rrid)
	}
}

// dropRef unconditionally forgets a local rendezvous slot, used when
// the caller that minted it is done with it.
func (c *Cluster) dropRef(r wire.RRID) {
	c.reflk.Lock()
	defer c.reflk.Unlock()
	delete(c.refs, r)
}

// abortRefsWaitingOn resolves every slot awaiting a reply from a dead
// worker to a peer-died RemoteException. Puts run outside the registry
// mutex; they are all buffered-or-filled rendezvous, a double put just
// means the reply raced the death and won.
func (c *Cluster) abortRefsWaitingOn(wid int64) {
	exc := &RemoteException{
		Pid:  wid,
		Kind: ExcKindPeerDied,
		Captured: CapturedException{
			Msg: "worker terminated before delivering a result",
		},
	}
	c.reflk.Lock()
	var doomed []*RemoteValue
	for _, rv := range c.refs {
		if rv.waitingFor == wid {
			doomed = append(doomed, rv)
		}
	}
	c.reflk.Unlock()
	for _, rv := range doomed {
		_ = rv.slot.put(exc)
	}
}

func (c *Cluster) liveRefs() int {
	c.reflk.Lock()
	defer c.reflk.Unlock()
	return len(c.refs)
}

func refArgs(r wire.RRID) []any {
	return []any{r.Whence, r.ID, r.Tag}
}

func argsRef(args []any) (wire.RRID, []any, error) {
	if len(args) < 3 {
		return wire.RRID{}, nil, ErrRefNotFound
	}
	whence, ok1 := asInt64(args[0])
	id, ok2 := asInt64(args[1])
	tag, ok3 := asInt64(args[2])
	if !ok1 || !ok2 || !ok3 {
		return wire.RRID{}, nil, ErrRefNotFound
	}
	return wire.RRID{Whence: whence, ID: uint64(id), Tag: uint32(tag)}, args[3:], nil
}

// asInt64 copes with the integer widths the wire codec may hand back.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
