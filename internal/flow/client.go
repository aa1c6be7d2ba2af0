package flow

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"go.uber.org/atomic"

	"github.com/pkg/errors"
)

// ErrSSRCExhausted is returned if no collision-free SSRC could be
// sampled after maxSSRCAttempts tries. With a uniformly random 32-bit
// space this is only reachable with billions of concurrently live
// flows and exists purely as a safety valve.
var ErrSSRCExhausted = errors.New("flow: could not allocate a collision-free SSRC")

const maxSSRCAttempts = 64

// ClientFlow is the per-local-peer state the client engine keeps: the
// peer's address, its assigned SSRC, and a two-pass idle-liveness flag.
type ClientFlow struct {
	Peer Addr
	SSRC uint32

	ts     atomic.Uint32 // per-flow RTP timestamp, random start
	active atomic.Bool
}

// touch marks the flow as having seen traffic since the reaper's last
// pass.
func (f *ClientFlow) touch() { f.active.Store(true) }

// NextTimestamp returns the current per-flow timestamp and advances it
// by step, wrapping at 2^32 via normal uint32 overflow.
func (f *ClientFlow) NextTimestamp(step uint32) uint32 {
	v := f.ts.Load()
	f.ts.Add(step)
	return v
}

// ClientTable maps local peer addresses to flows, with a secondary
// index from SSRC back to peer address for the remote-ingress path.
// Mutated only by the client engine's own goroutine plus the reaper,
// both of which take the same lock — Go's runtime schedules goroutines
// with true parallelism, unlike the cooperative single-threaded model
// the spec is written against, so this table needs real locking where
// the reference design needs none.
type ClientTable struct {
	mu     sync.Mutex
	byPeer map[Addr]*ClientFlow
	bySSRC map[uint32]*ClientFlow
}

// NewClientTable constructs an empty table.
func NewClientTable() *ClientTable {
	return &ClientTable{
		byPeer: make(map[Addr]*ClientFlow),
		bySSRC: make(map[uint32]*ClientFlow),
	}
}

// ResolveOrCreate returns the existing flow for peer, marking it
// active, or allocates a fresh one with a newly sampled, collision-free
// SSRC. created reports whether a new flow was allocated.
func (t *ClientTable) ResolveOrCreate(peer Addr) (flow *ClientFlow, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.byPeer[peer]; ok {
		f.touch()
		return f, false, nil
	}

	ssrc, err := t.sampleUnusedSSRCLocked()
	if err != nil {
		return nil, false, err
	}

	var tsSeed [4]byte
	if _, err := rand.Read(tsSeed[:]); err != nil {
		return nil, false, errors.Wrap(err, "flow: sampling initial timestamp")
	}

	f := &ClientFlow{Peer: peer, SSRC: ssrc}
	f.ts.Store(binary.BigEndian.Uint32(tsSeed[:]))
	f.touch()

	// Insert the exact candidate validated above — no second sample.
	// (spec.md §9 flags a source variant that samples, checks, then
	// inserts a *different* fresh sample; this is the fix.)
	t.byPeer[peer] = f
	t.bySSRC[ssrc] = f

	return f, true, nil
}

// sampleUnusedSSRCLocked must be called with t.mu held.
func (t *ClientTable) sampleUnusedSSRCLocked() (uint32, error) {
	var buf [4]byte
	for i := 0; i < maxSSRCAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "flow: sampling SSRC")
		}
		candidate := binary.BigEndian.Uint32(buf[:])
		if _, collides := t.bySSRC[candidate]; !collides {
			return candidate, nil
		}
	}
	return 0, ErrSSRCExhausted
}

// LookupBySSRC returns the flow for an SSRC observed on the remote
// socket, or false if no live flow claims it. The server direction
// never auto-creates a flow: an unknown SSRC here means the
// originating client-side flow has already expired.
func (t *ClientTable) LookupBySSRC(ssrc uint32) (*ClientFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.bySSRC[ssrc]
	if ok {
		f.touch()
	}
	return f, ok
}

// Len returns the number of live flows.
func (t *ClientTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPeer)
}

// Reap runs one two-pass idle scan: flows whose active flag is
// already clear (left clear since the previous call) are deleted;
// flows still active have their flag cleared for the next pass. It
// returns the peer addresses removed.
func (t *ClientTable) Reap() []Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Addr
	for peer, f := range t.byPeer {
		if f.active.CompareAndSwap(true, false) {
			continue // was active; flag cleared for the next pass
		}
		delete(t.byPeer, peer)
		delete(t.bySSRC, f.SSRC)
		removed = append(removed, peer)
	}
	return removed
}
