package procmesh

import (
	"errors"
	"sync"

	"github.com/platformaware/procmesh/pkg/wire"
)

// Future is the client-side handle to a remote value: an RRID plus the
// id of the worker owning the slot. Fetch caches the value locally so
// repeated fetches do a single round-trip.
type Future struct {
	c     *Cluster
	owner int64
	rrid  wire.RRID

	mu       sync.Mutex
	cached   any
	has      bool
	released bool
}

func newFuture(c *Cluster, owner int64, r wire.RRID) *Future {
	return &Future{c: c, owner: owner, rrid: r}
}

// NewFuture mints a fresh locally-owned rendezvous: a single-value
// buffered slot any process holding the handle may put once and
// fetch/take.
func (c *Cluster) NewFuture() (*Future, error) {
	r := c.mintRRID(0)
	if _, err := c.registerRef(r, true, 0); err != nil {
		return nil, err
	}
	return newFuture(c, c.MyID(), r), nil
}

// NewRendezvous is the unbuffered variant of NewFuture: a put blocks
// until the matching take, and remote takes are serialized against the
// result send through the slot's sync lock.
func (c *Cluster) NewRendezvous() (*Future, error) {
	r := c.mintRRID(0)
	if _, err := c.registerRef(r, false, 0); err != nil {
		return nil, err
	}
	return newFuture(c, c.MyID(), r), nil
}

// FutureFor rebuilds a handle from its parts, typically after the
// owning worker id and RRID travelled through call arguments. The
// sender must have called Share for the receiving worker first.
func (c *Cluster) FutureFor(owner int64, r wire.RRID) *Future {
	return newFuture(c, owner, r)
}

func (f *Future) Owner() int64 {
	return f.owner
}

func (f *Future) RRID() wire.RRID {
	return f.rrid
}

// Fetch blocks until the value is available and returns it without
// consuming the slot. A RemoteException stored in the slot surfaces as
// the error. If the owning worker died, the error is a peer-died
// RemoteException rather than a hang.
func (f *Future) Fetch() (any, error) {
	f.mu.Lock()
	if f.has {
		v := f.cached
		f.mu.Unlock()
		return v, nil
	}
	if f.released {
		f.mu.Unlock()
		return nil, ErrRefNotFound
	}
	f.mu.Unlock()

	var v any
	var err error
	if f.owner == f.c.MyID() {
		v, err = f.c.fetchRefLocal(f.rrid)
	} else {
		v, err = f.c.RemoteCallFetch(builtinFetch, f.owner, refArgs(f.rrid)...)
	}
	if err != nil {
		return nil, f.ownerDeath(err)
	}
	if re, ok := v.(*RemoteException); ok {
		return nil, re
	}

	f.mu.Lock()
	f.cached = v
	f.has = true
	f.mu.Unlock()
	return v, nil
}

// Take consumes the value. Unlike Fetch the result is not cached.
func (f *Future) Take() (any, error) {
	var v any
	var err error
	if f.owner == f.c.MyID() {
		v, err = f.c.takeRefFor(f.rrid, f.c.MyID())
	} else {
		args := append(refArgs(f.rrid), f.c.MyID())
		v, err = f.c.RemoteCallFetch(builtinTake, f.owner, args...)
	}
	if err != nil {
		return nil, f.ownerDeath(err)
	}
	if re, ok := v.(*RemoteException); ok {
		return nil, re
	}
	return v, nil
}

// Put stores the value into the slot. At most one put ever succeeds.
func (f *Future) Put(v any) error {
	if f.owner == f.c.MyID() {
		_, err := f.c.putRefFor(f.rrid, f.c.MyID(), v)
		return err
	}
	args := append(refArgs(f.rrid), f.c.MyID(), v)
	_, err := f.c.RemoteCallFetch(builtinPut, f.owner, args...)
	if err != nil {
		return f.ownerDeath(err)
	}
	return nil
}

// Wait blocks until the value exists, without transferring it.
func (f *Future) Wait() error {
	f.mu.Lock()
	if f.has {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	if f.owner == f.c.MyID() {
		// Wait never surfaces the stored exception, only Fetch does.
		_, err := f.c.fetchRefLocal(f.rrid)
		return err
	}
	_, err := f.c.RemoteCallFetch(builtinWait, f.owner, refArgs(f.rrid)...)
	if err != nil {
		return f.ownerDeath(err)
	}
	return nil
}

// Share registers pid as a client of the value so the handle may be
// forwarded to that worker (e.g. inside call arguments). The
// notification is batched with other reference-count traffic.
func (f *Future) Share(pid int64) error {
	f.mu.Lock()
	released := f.released
	f.mu.Unlock()
	if released {
		return ErrRefNotFound
	}
	if f.owner == f.c.MyID() {
		f.c.addClient(f.rrid, pid)
		return nil
	}
	return f.c.queueAddClient(f.owner, f.rrid, pid)
}

// Release drops this process's claim on the value. Once every client
// released and the value was consumed, the owner reclaims the entry.
// The notification is batched.
func (f *Future) Release() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return nil
	}
	f.released = true
	f.mu.Unlock()
	if f.owner == f.c.MyID() {
		c := f.c
		c.removeClient(f.rrid, c.MyID())
		return nil
	}
	return f.c.queueDelClient(f.owner, f.rrid)
}

// ownerDeath rewrites table-level "worker is gone" errors into the
// RemoteException the caller would have observed had the death raced
// an in-flight reply.
func (f *Future) ownerDeath(err error) error {
	if errors.Is(err, ErrWorkerTerminated) || errors.Is(err, ErrUnknownWorker) {
		return &RemoteException{
			Pid:  f.owner,
			Kind: ExcKindPeerDied,
			Captured: CapturedException{
				Msg: "worker owning the value is gone: " + err.Error(),
			},
		}
	}
	return err
}
