package txqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink/packet"
)

// ErrQueueFull is returned when droppable packets don't fit into the queue.
var ErrQueueFull = errors.New("transmit queue is full")

// Priority defines order in which packets are sent.
type Priority uint8

// Priorities.
const (
	Low Priority = iota
	High
	Highest
)

// Options are the enqueue parameters shared by all packets of a single request.
type Options struct {
	Priority Priority
	Timeout  time.Duration
	MaxRetry int

	// Droppable packets are rejected when queue is at capacity, others are always accepted.
	Droppable bool
}

// Dispatch is the packet selected for transmission.
type Dispatch struct {
	ID     uint64
	Packet *packet.Packet
}

type entry struct {
	id       uint64
	pkt      *packet.Packet
	opts     Options
	sent     int
	lastSent time.Time
	seqSet   bool
}

// Queue stores packets pending transmission or acknowledgment.
type Queue struct {
	capacity int

	mu      sync.Mutex
	nextID  uint64
	entries []*entry
	seqs    map[seqKey]uint8
}

// Control packets are numbered separately so they don't break the sequence of messages seen by
// the receiver.
type seqKey struct {
	dest    packet.Address
	control bool
}

func isControl(t packet.Type) bool {
	return t == packet.TypeAck || t == packet.TypeID
}

// New creates queue holding up to capacity droppable packets.
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		seqs:     map[seqKey]uint8{},
	}
}

// Enqueue stores packets. They are inserted together, before the first entry of strictly lower
// priority, so order among equal priorities is FIFO. Packets are copied.
func (q *Queue) Enqueue(opts Options, pkts ...*packet.Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.Droppable && len(q.entries)+len(pkts) > q.capacity {
		return errors.WithStack(ErrQueueFull)
	}

	pos := len(q.entries)
	for i, e := range q.entries {
		if e.opts.Priority < opts.Priority {
			pos = i
			break
		}
	}

	newEntries := make([]*entry, 0, len(pkts))
	for _, p := range pkts {
		q.nextID++
		newEntries = append(newEntries, &entry{
			id:   q.nextID,
			pkt:  p.Clone(),
			opts: opts,
		})
	}

	q.entries = slices.Insert(q.entries, pos, newEntries...)
	return nil
}

// Len returns number of stored packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// HasSendable reports whether NextSendable would return a packet.
func (q *Queue) HasSendable(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.find(now) != nil
}

// NextSendable returns copy of the first packet which was never sent or which waited for its
// retry timeout. Sequence number is assigned and checksum computed on the first dispatch.
func (q *Queue) NextSendable(ctx context.Context, now time.Time) (Dispatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleanUp(ctx, now)

	e := q.find(now)
	if e == nil {
		return Dispatch{}, false
	}

	if !e.seqSet {
		k := seqKey{dest: e.pkt.Dest(), control: isControl(e.pkt.Type())}
		e.pkt.SetSeq(q.seqs[k])
		e.pkt.Seal()
		e.seqSet = true
		q.seqs[k]++
	}

	return Dispatch{ID: e.id, Packet: e.pkt.Clone()}, true
}

// MarkSent records successful transmission. Best-effort packets are removed, others wait for
// acknowledgment or retry.
func (q *Queue) MarkSent(id uint64, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return
	}

	e := q.entries[i]
	if e.pkt.QoS() == packet.BestEffort {
		q.remove(i)
		return
	}

	e.sent++
	e.lastSent = now
}

// Drop removes the packet unconditionally.
func (q *Queue) Drop(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.index(id); i >= 0 {
		q.remove(i)
	}
}

// RemoveByKey removes the pending packet sent to dest with sequence number seq.
func (q *Queue) RemoveByKey(dest packet.Address, seq uint8) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.seqSet && !isControl(e.pkt.Type()) && e.pkt.Dest() == dest && e.pkt.Seq() == seq {
			q.remove(i)
			return true
		}
	}
	return false
}

// CleanUp drops packets which exhausted their retries.
func (q *Queue) CleanUp(ctx context.Context, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleanUp(ctx, now)
}

func (q *Queue) cleanUp(ctx context.Context, now time.Time) {
	entries := q.entries[:0]
	for _, e := range q.entries {
		if e.sent > e.opts.MaxRetry && now.Sub(e.lastSent) >= e.opts.Timeout {
			logger.Get(ctx).Warn("Too many retries, dropping packet",
				zap.Stringer("packet", e.pkt), zap.Int("attempts", e.sent))
			continue
		}
		entries = append(entries, e)
	}
	clear(q.entries[len(entries):])
	q.entries = entries
}

func (q *Queue) find(now time.Time) *entry {
	for _, e := range q.entries {
		if e.sent == 0 {
			return e
		}
		if now.Sub(e.lastSent) >= e.opts.Timeout && e.sent <= e.opts.MaxRetry {
			return e
		}
	}
	return nil
}

func (q *Queue) index(id uint64) int {
	for i, e := range q.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(i int) {
	q.entries = slices.Delete(q.entries, i, i+1)
}
