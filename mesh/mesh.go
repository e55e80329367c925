// Package mesh implements the cross-core command routing described in
// sphinx::reactor's message queues (reactor.h/.cpp: _msg_queues, send_msg,
// has_messages, poll_messages, wake_up/wake_up_pending): every ordered pair
// of cores gets its own single-producer/single-consumer ring, so a core
// never takes a lock to hand work to another core.
package mesh

import (
	"net"
	"sync/atomic"

	"github.com/penberg/sphinx/ring"
)

// Opcode identifies what a Descriptor is asking the destination core to do,
// or what result it is carrying back to the origin core.
type Opcode int

const (
	OpSet Opcode = iota
	OpSetOK
	OpSetOOM
	OpGet
	OpGetOK
	OpGetMiss
)

func (o Opcode) String() string {
	switch o {
	case OpSet:
		return "Set"
	case OpSetOK:
		return "SetOK"
	case OpSetOOM:
		return "SetOOM"
	case OpGet:
		return "Get"
	case OpGetOK:
		return "GetOK"
	case OpGetMiss:
		return "GetMiss"
	default:
		return "Opcode(?)"
	}
}

// Request carries the information needed to write a reply back to the
// socket that originated a command, once the descriptor it spawned has
// made its round trip through the owning core. It is never sent over the
// mesh itself, only referenced by a Descriptor travelling in one direction
// and the reply descriptor travelling back.
type Request struct {
	// ConnID identifies the origin core's connection table entry. It is
	// meaningless on any core other than Descriptor.Origin.
	ConnID uint64
	// UDPAddr is non-nil when the request arrived over UDP: the reply must
	// be sent back as one datagram to this address.
	UDPAddr *net.UDPAddr
	// RequestID and SequenceNum are the matching fields of the UDP request
	// frame (§4.6), echoed back verbatim in the reply frame. Unused for TCP.
	RequestID   uint16
	SequenceNum uint16
}

// Descriptor is the unit of work routed across the mesh: a parsed command
// travelling from the core that received it to the core that owns the
// key's shard, and the matching result travelling back.
type Descriptor struct {
	Op Opcode

	Key  []byte
	Blob []byte

	// Origin is the id of the core that created this descriptor (the one
	// that owns Req and the socket it refers to).
	Origin int
	Req    *Request
}

// Grid is the full set of per-ordered-pair SPSC rings plus the per-core
// sleep flags and wakeup file descriptors the sleep/wake protocol in
// package reactor needs. One Grid is shared by every core's Reactor.
type Grid struct {
	n        int
	capacity int
	queues   [][]*ring.Queue[*Descriptor] // queues[dst][src]
	sleeping []atomic.Bool
	wakeFDs  []int
}

// NewGrid allocates an n-by-n mesh of rings, each able to hold capacity-1
// in-flight descriptors (ring.NewQueue's usual one-slot-kept-empty rule).
func NewGrid(n, capacity int) *Grid {
	g := &Grid{
		n:        n,
		capacity: capacity,
		queues:   make([][]*ring.Queue[*Descriptor], n),
		sleeping: make([]atomic.Bool, n),
		wakeFDs:  make([]int, n),
	}
	for dst := 0; dst < n; dst++ {
		g.queues[dst] = make([]*ring.Queue[*Descriptor], n)
		for src := 0; src < n; src++ {
			if dst != src {
				g.queues[dst][src] = ring.NewQueue[*Descriptor](capacity)
			}
		}
	}
	return g
}

// NrCores returns the number of cores the grid was built for.
func (g *Grid) NrCores() int { return g.n }

// SetWakeFD records the file descriptor core id's reactor wakes up when it
// is sleeping. Must be called once, before Run, by every core.
func (g *Grid) SetWakeFD(id, fd int) { g.wakeFDs[id] = fd }

// Send enqueues d on the src-to-dst ring. It is a programming error to call
// this with dst == src (sending a message to oneself never goes through
// the mesh).
func (g *Grid) Send(dst, src int, d *Descriptor) bool {
	if dst == src {
		panic("mesh: send_msg to self")
	}
	return g.queues[dst][src].TryPush(d)
}

// Drain invokes onMessage for every descriptor currently queued for self,
// across every other core's outbound ring, popping each as it goes. It
// reports whether any message was seen, matching poll_messages.
func (g *Grid) Drain(self int, onMessage func(*Descriptor)) bool {
	seen := false
	for src := 0; src < g.n; src++ {
		if src == self {
			continue
		}
		q := g.queues[self][src]
		for {
			d, ok := q.Front()
			if !ok {
				break
			}
			seen = true
			onMessage(d)
			q.Pop()
		}
	}
	return seen
}

// HasMessages is a non-destructive peek across every ring addressed to
// self, matching has_messages: used by the sleep double-check.
func (g *Grid) HasMessages(self int) bool {
	for src := 0; src < g.n; src++ {
		if src == self {
			continue
		}
		if !g.queues[self][src].Empty() {
			return true
		}
	}
	return false
}

// TrySleep marks self as sleeping, then returns whether that decision is
// still safe: if a message has since arrived, it clears the flag again and
// reports false, so the caller restarts its iteration instead of blocking.
func (g *Grid) TrySleep(self int) bool {
	g.sleeping[self].Store(true)
	if g.HasMessages(self) {
		g.sleeping[self].Store(false)
		return false
	}
	return true
}

// WakeUp clears dst's sleeping flag and reports whether dst was actually
// asleep (and so needs an eventfd write to unblock its poll).
func (g *Grid) WakeUp(dst int) bool {
	return g.sleeping[dst].CompareAndSwap(true, false)
}

// ClearSleeping unconditionally clears self's sleeping flag on wake, the
// mirror side of TrySleep's Store(true).
func (g *Grid) ClearSleeping(self int) { g.sleeping[self].Store(false) }

// WakeFD returns the eventfd to write to in order to wake dst, or -1 if
// dst hasn't published one yet.
func (g *Grid) WakeFD(dst int) int {
	fd := g.wakeFDs[dst]
	if fd == 0 {
		return -1
	}
	return fd
}
