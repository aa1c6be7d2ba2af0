package flow

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/me-asri/rtptun/internal/udpsock"
)

// SubFlowState is the per-sub-flow state machine from spec.md §4.4:
// Fresh -> Open -> Closing -> (gone). No packets are ever emitted from
// a Closing sub-flow.
type SubFlowState int32

const (
	SubFlowFresh SubFlowState = iota
	SubFlowOpen
	SubFlowClosing
)

// SubFlow is the server-side per-(source-peer, SSRC) state: the
// upstream socket toward the tunnel's destination, and the server's own
// outgoing sequence/timestamp counters (independent of whatever the
// client side is counting).
type SubFlow struct {
	SSRC     uint32
	Upstream *udpsock.Socket

	seq   atomic.Uint32 // low 16 bits used; see NextSequence
	ts    atomic.Uint32
	state atomic.Int32

	active atomic.Bool
}

func newSubFlow(ssrc uint32, upstream *udpsock.Socket, startSeq uint16, startTS uint32) *SubFlow {
	f := &SubFlow{SSRC: ssrc, Upstream: upstream}
	f.seq.Store(uint32(startSeq))
	f.ts.Store(startTS)
	f.state.Store(int32(SubFlowOpen))
	f.active.Store(true)
	return f
}

// NextSequence returns the next outgoing sequence number and advances
// the counter, wrapping at 2^16.
func (f *SubFlow) NextSequence() uint16 {
	v := f.seq.Add(1) - 1
	return uint16(v)
}

// NextTimestamp returns the current timestamp and advances it by step
// (3000 per spec.md), wrapping at 2^32 via normal uint32 overflow.
func (f *SubFlow) NextTimestamp(step uint32) uint32 {
	v := f.ts.Load()
	f.ts.Add(step)
	return v
}

// State returns the sub-flow's current lifecycle state.
func (f *SubFlow) State() SubFlowState { return SubFlowState(f.state.Load()) }

// MarkClosing transitions Open -> Closing. It is a no-op if already
// Closing. Once Closing, Touch and traffic handling must stop emitting
// packets for this sub-flow.
func (f *SubFlow) MarkClosing() {
	f.state.CompareAndSwap(int32(SubFlowOpen), int32(SubFlowClosing))
}

func (f *SubFlow) touch() { f.active.Store(true) }

// sourceRecord is the per-source-peer bucket of sub-flows, keyed by
// SSRC. SSRCs from different source peers may collide harmlessly here:
// the real demultiplexing key is (peer, SSRC), not SSRC alone.
type sourceRecord struct {
	mu       sync.Mutex
	subFlows map[uint32]*SubFlow
}

// ServerTable is the two-level server-side flow table: peer address ->
// { SSRC -> sub-flow }.
type ServerTable struct {
	mu      sync.Mutex
	records map[Addr]*sourceRecord
}

// NewServerTable constructs an empty table.
func NewServerTable() *ServerTable {
	return &ServerTable{records: make(map[Addr]*sourceRecord)}
}

// OpenUpstream is called by the server engine to lazily open the
// upstream socket for a sub-flow; it is passed to ResolveOrCreate so
// that the table lock is never held across a socket dial (which can
// block on DNS resolution for the configured destination).
type OpenUpstream func() (*udpsock.Socket, error)

// ResolveOrCreate returns the existing sub-flow for (peer, ssrc),
// marking it active, or creates one by calling open to dial a fresh
// upstream socket. created reports whether a new sub-flow was made.
func (t *ServerTable) ResolveOrCreate(peer Addr, ssrc uint32, startSeq uint16, startTS uint32, open OpenUpstream) (sf *SubFlow, created bool, err error) {
	rec := t.recordFor(peer)

	rec.mu.Lock()
	if f, ok := rec.subFlows[ssrc]; ok {
		rec.mu.Unlock()
		f.touch()
		return f, false, nil
	}
	rec.mu.Unlock()

	// Dial without holding the record lock: another goroutine creating a
	// different sub-flow for the same peer must not block on this dial.
	upstream, err := open()
	if err != nil {
		return nil, false, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if f, ok := rec.subFlows[ssrc]; ok {
		// Lost a race with another goroutine; discard our dial.
		upstream.Close()
		f.touch()
		return f, false, nil
	}

	f := newSubFlow(ssrc, upstream, startSeq, startTS)
	rec.subFlows[ssrc] = f
	return f, true, nil
}

func (t *ServerTable) recordFor(peer Addr) *sourceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[peer]
	if !ok {
		rec = &sourceRecord{subFlows: make(map[uint32]*SubFlow)}
		t.records[peer] = rec
	}
	return rec
}

// Len returns the number of live sub-flows across all source peers.
func (t *ServerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.records {
		rec.mu.Lock()
		n += len(rec.subFlows)
		rec.mu.Unlock()
	}
	return n
}

// Reap runs one two-pass idle scan across every source record.
// Idle sub-flows transition to Closing, have their upstream socket
// closed, and are removed; a record left with no sub-flows is removed
// too. It returns the closed sub-flows so the caller can wait for their
// upstream-ingress goroutines to drain.
func (t *ServerTable) Reap() []*SubFlow {
	t.mu.Lock()
	peers := make([]Addr, 0, len(t.records))
	for p := range t.records {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var closed []*SubFlow
	for _, peer := range peers {
		t.mu.Lock()
		rec, ok := t.records[peer]
		t.mu.Unlock()
		if !ok {
			continue
		}

		rec.mu.Lock()
		for ssrc, f := range rec.subFlows {
			if f.active.CompareAndSwap(true, false) {
				continue
			}
			f.MarkClosing()
			f.Upstream.Close()
			delete(rec.subFlows, ssrc)
			closed = append(closed, f)
		}
		empty := len(rec.subFlows) == 0
		rec.mu.Unlock()

		if empty {
			t.mu.Lock()
			if cur, ok := t.records[peer]; ok && cur == rec {
				cur.mu.Lock()
				stillEmpty := len(cur.subFlows) == 0
				cur.mu.Unlock()
				if stillEmpty {
					delete(t.records, peer)
				}
			}
			t.mu.Unlock()
		}
	}
	return closed
}
