package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penberg/sphinx/mesh"
)

// fakePoller is a Poller that never blocks: Wait sleeps briefly for a
// negative timeout (standing in for "would have slept until woken") and
// returns immediately otherwise, so the sleep/wake protocol can be
// exercised without real file descriptors.
type fakePoller struct {
	mu      sync.Mutex
	woken   chan struct{}
	closed  bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{woken: make(chan struct{}, 64)}
}

func (p *fakePoller) Add(fd int, writable bool) error    { return nil }
func (p *fakePoller) Modify(fd int, writable bool) error { return nil }
func (p *fakePoller) Remove(fd int) error                { return nil }
func (p *fakePoller) Close() error                       { p.closed = true; return nil }

func (p *fakePoller) Wait(dst []Event, timeoutMillis int) (int, error) {
	if timeoutMillis < 0 {
		select {
		case <-p.woken:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return 0, nil
}

func (p *fakePoller) wake() { p.woken <- struct{}{} }

func TestReactorDeliversMessageWithoutSleeping(t *testing.T) {
	g := mesh.NewGrid(2, 8)
	var got *mesh.Descriptor
	done := make(chan struct{})

	r := New(Config{
		ID:   0,
		Mesh: g,
		Poll: newFakePoller(),
		OnMessage: func(d *mesh.Descriptor) {
			got = d
			close(done)
		},
	})

	require.True(t, g.Send(0, 1, &mesh.Descriptor{Op: mesh.OpGet, Key: []byte("k")}))

	go func() { _ = r.Run() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("message was never delivered")
	}
	r.Stop()

	require.NotNil(t, got)
	assert.Equal(t, mesh.OpGet, got.Op)
}

func TestReactorWakesSleepingPeer(t *testing.T) {
	g := mesh.NewGrid(2, 8)
	poll1 := newFakePoller()

	var mu sync.Mutex
	var delivered []*mesh.Descriptor
	r1 := New(Config{
		ID:   1,
		Mesh: g,
		Poll: poll1,
		OnMessage: func(d *mesh.Descriptor) {
			mu.Lock()
			delivered = append(delivered, d)
			mu.Unlock()
		},
	})
	go func() { _ = r1.Run() }()

	// Give core 1 a chance to drain (nothing pending), mark itself
	// sleeping and reach the blocking Wait before core 0 sends.
	time.Sleep(20 * time.Millisecond)

	r0 := New(Config{ID: 0, Mesh: g, Poll: newFakePoller()})
	ok := r0.SendMsg(1, &mesh.Descriptor{Op: mesh.OpSet, Key: []byte("a")})
	require.True(t, ok)
	r0.wakeUpPending()
	poll1.wake()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	r1.Stop()
}
