package procmesh

import (
	"slices"
	"sync"
)

// WorkerPool is the rendezvous callers use when any worker will do:
// freshly-joined workers land here, TakeWorker hands one out and
// PutWorker returns it once the caller is done.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ids    map[int64]struct{}
	avail  []int64
	closed bool
}

func newWorkerPool() *WorkerPool {
	p := &WorkerPool{ids: make(map[int64]struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *WorkerPool) add(pid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.ids[pid]; dup {
		return
	}
	p.ids[pid] = struct{}{}
	p.avail = append(p.avail, pid)
	p.cond.Broadcast()
}

func (p *WorkerPool) remove(pid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ids, pid)
	p.avail = slices.DeleteFunc(p.avail, func(id int64) bool { return id == pid })
	p.cond.Broadcast()
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// TakeWorker blocks until a worker is available and checks it out.
func (p *WorkerPool) TakeWorker() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.avail) == 0 {
		if p.closed {
			return 0, ErrClusterClosed
		}
		p.cond.Wait()
	}
	pid := p.avail[0]
	p.avail = p.avail[1:]
	return pid, nil
}

// PutWorker checks a worker back in. Workers that were removed from
// the cluster in the meantime are dropped silently.
func (p *WorkerPool) PutWorker(pid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ids[pid]; !ok {
		return
	}
	p.avail = append(p.avail, pid)
	p.cond.Broadcast()
}

// Workers lists the pool members, ascending.
func (p *WorkerPool) Workers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
