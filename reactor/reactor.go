// Package reactor implements the single-threaded, cooperative per-core
// event loop described in sphinx::reactor (reactor.h/.cpp and
// reactor-epoll.h/.cpp): socket readiness is multiplexed with cross-core
// message delivery, and a core goes to sleep (blocking in the poll syscall)
// only once it has checked, under a double-check protocol, that no message
// is already waiting for it.
package reactor

import (
	"github.com/pkg/errors"

	"github.com/penberg/sphinx/internal/tag"
	"github.com/penberg/sphinx/log"
	"github.com/penberg/sphinx/mesh"
)

// Pollable is anything the reactor multiplexes readiness for: a listening
// socket, a TCP connection, or a UDP socket.
type Pollable interface {
	Fd() int
	// OnPollin handles a read-ready notification. The reactor logs any error
	// it returns at debug level; it does not close or deregister the
	// Pollable.
	OnPollin() error
	// OnPollout drains pending output. It reports whether the output
	// buffer fully drained (the reactor should then downgrade interest
	// back to read-only).
	OnPollout() (drained bool, err error)
}

// Event is one readiness notification reported by a Poller.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is the OS polling backend. Reactor is written against this
// interface rather than golang.org/x/sys/unix directly so tests can supply
// a fake implementation instead of driving real file descriptors.
type Poller interface {
	// Add registers fd for readability, and for writability too if
	// writable is set.
	Add(fd int, writable bool) error
	// Modify changes fd's registered interest.
	Modify(fd int, writable bool) error
	// Remove deregisters fd.
	Remove(fd int) error
	// Wait blocks for up to timeoutMillis milliseconds (0 = return
	// immediately, -1 = block indefinitely), stores ready events at the
	// start of dst, and returns the number stored.
	Wait(dst []Event, timeoutMillis int) (int, error)
	// Close releases the backend's own resources (e.g. the epoll fd).
	Close() error
}

// Reactor runs one core's event loop: it owns a Poller, the table of
// sockets it has registered, and this core's view of the cross-core
// message mesh.
type Reactor struct {
	id    int
	mesh  *mesh.Grid
	poll  Poller
	log   log.Logger
	wakeFD int

	pollables map[int]Pollable
	writable  map[int]bool

	onMessage func(*mesh.Descriptor)

	pendingWakeups []bool

	closed bool
}

// Config configures a Reactor.
type Config struct {
	ID    int
	Mesh  *mesh.Grid
	Poll  Poller
	Log   log.Logger
	// WakeFD is a self-pipe/eventfd-style descriptor already registered
	// with Poll for read readiness. The reactor drains it itself whenever
	// it is reported ready; it is never dispatched to a Pollable, and
	// OnMessage is never invoked for it.
	WakeFD int
	// OnMessage handles one descriptor drained from an inbound ring.
	OnMessage func(*mesh.Descriptor)
}

// New constructs a Reactor. It registers cfg.WakeFD with cfg.Mesh so other
// cores know which descriptor to write to when this core is asleep.
func New(cfg Config) *Reactor {
	if cfg.Log == nil {
		cfg.Log = log.Nop()
	}
	r := &Reactor{
		id:             cfg.ID,
		mesh:           cfg.Mesh,
		poll:           cfg.Poll,
		log:            cfg.Log,
		wakeFD:         cfg.WakeFD,
		pollables:      make(map[int]Pollable),
		writable:       make(map[int]bool),
		onMessage:      cfg.OnMessage,
		pendingWakeups: make([]bool, cfg.Mesh.NrCores()),
	}
	cfg.Mesh.SetWakeFD(cfg.ID, cfg.WakeFD)
	return r
}

// ID returns this reactor's core id.
func (r *Reactor) ID() int { return r.id }

// Register adds p to the reactor, interested in read readiness (and write
// readiness too if writable is set).
func (r *Reactor) Register(p Pollable, writable bool) error {
	if err := r.poll.Add(p.Fd(), writable); err != nil {
		return errors.Wrap(err, "reactor: register")
	}
	r.pollables[p.Fd()] = p
	r.writable[p.Fd()] = writable
	return nil
}

// SetWriteInterest upgrades or downgrades a registered Pollable's write
// readiness interest, matching send()'s "ask reactor to add/drop write
// interest" contract.
func (r *Reactor) SetWriteInterest(p Pollable, writable bool) error {
	if r.writable[p.Fd()] == writable {
		return nil
	}
	if err := r.poll.Modify(p.Fd(), writable); err != nil {
		return errors.Wrap(err, "reactor: modify")
	}
	r.writable[p.Fd()] = writable
	return nil
}

// Close deregisters p. The caller is responsible for actually closing the
// underlying file descriptor.
func (r *Reactor) Close(p Pollable) error {
	delete(r.pollables, p.Fd())
	delete(r.writable, p.Fd())
	if err := r.poll.Remove(p.Fd()); err != nil {
		return errors.Wrap(err, "reactor: remove")
	}
	return nil
}

// SendMsg enqueues d on the ring from this core to dst, and notes dst for a
// wakeup attempt on the next loop iteration if the enqueue succeeded. It
// returns false if that ring is full, matching send_msg's contract; sending
// to oneself is a programming error, just as in the original.
func (r *Reactor) SendMsg(dst int, d *mesh.Descriptor) bool {
	if dst == r.id {
		panic("reactor: send_msg to self")
	}
	if !r.mesh.Send(dst, r.id, d) {
		return false
	}
	r.pendingWakeups[dst] = true
	return true
}

// Stop requests the run loop exit after its current iteration.
func (r *Reactor) Stop() { r.closed = true }

// Run executes the loop until Stop is called or Wait returns a fatal
// error: step 1, wake any core this one owes a wakeup to; step 2, drain
// every inbound message ring once; step 3/4, the double-checked sleep
// decision; step 5, dispatch whatever readiness events came back.
func (r *Reactor) Run() error {
	events := make([]Event, 128)
	for !r.closed {
		r.wakeUpPending()

		hadMessage := r.mesh.Drain(r.id, r.onMessage)

		timeoutMillis := 0
		if !hadMessage {
			if !r.mesh.TrySleep(r.id) {
				continue
			}
		}
		if !hadMessage {
			timeoutMillis = -1
		}

		n, err := r.poll.Wait(events, timeoutMillis)
		if !hadMessage {
			r.mesh.ClearSleeping(r.id)
		}
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			return errors.Wrap(err, "reactor: poll")
		}
		r.dispatch(events[:n])
	}
	return nil
}

func (r *Reactor) wakeUpPending() {
	for dst, pending := range r.pendingWakeups {
		if !pending {
			continue
		}
		r.pendingWakeups[dst] = false
		if r.mesh.WakeUp(dst) {
			if err := writeWake(r.mesh.WakeFD(dst)); err != nil {
				r.log.Warnf("reactor: wake core %d: %v", dst, err)
			}
		}
	}
}

func (r *Reactor) dispatch(events []Event) {
	for _, ev := range events {
		if ev.Fd == r.wakeFD {
			drainWake(r.wakeFD)
			continue
		}
		p, ok := r.pollables[ev.Fd]
		if !ok {
			if tag.Debug {
				panic("reactor: event for unregistered fd")
			}
			_ = r.poll.Remove(ev.Fd)
			continue
		}
		if ev.Readable {
			if err := p.OnPollin(); err != nil {
				r.log.Debugf("reactor: pollin on fd %d: %v", ev.Fd, err)
			}
		}
		if ev.Writable {
			drained, err := p.OnPollout()
			if err != nil {
				r.log.Debugf("reactor: pollout on fd %d: %v", ev.Fd, err)
				continue
			}
			if drained {
				_ = r.SetWriteInterest(p, false)
			}
		}
	}
}
