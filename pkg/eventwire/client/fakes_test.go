package client

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsarna/eventwire/pkg/eventwire/clock"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const testURL = "ws://hub.test/ws"

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by Read; frames written by the manager are recorded.
type fakeTransport struct {
	inbound chan []byte
	readErr chan error
	closed  chan struct{}

	mu          sync.Mutex
	written     []protocol.Envelope
	writeErr    error
	closeCode   int
	closeReason string
	closeCalls  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case err := <-t.readErr:
		return nil, err
	case <-t.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeErr != nil {
		return t.writeErr
	}
	env, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	t.written = append(t.written, env)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	if t.closeCalls == 1 {
		t.closeCode = code
		t.closeReason = reason
		close(t.closed)
	}
	return nil
}

func (t *fakeTransport) deliver(data string) {
	t.inbound <- []byte(data)
}

// peerClose simulates a close frame from the hub.
func (t *fakeTransport) peerClose(code int, reason string) {
	t.readErr <- &CloseError{Code: code, Reason: reason}
}

func (t *fakeTransport) failWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

func (t *fakeTransport) frames() []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Envelope(nil), t.written...)
}

func (t *fakeTransport) types() []protocol.MessageType {
	var types []protocol.MessageType
	for _, env := range t.frames() {
		types = append(types, env.Type)
	}
	return types
}

func (t *fakeTransport) closedWith() (int, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason, t.closeCalls > 0
}

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	dials      int
	header     http.Header
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type recordingMonitor struct {
	mu          sync.Mutex
	transitions []State
	scheduled   chan time.Duration
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{scheduled: make(chan time.Duration, 16)}
}

func (r *recordingMonitor) OnStateChange(_ *Manager, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func (r *recordingMonitor) OnReconnectScheduled(_ *Manager, _ int, delay time.Duration) {
	r.scheduled <- delay
}

func (r *recordingMonitor) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.transitions...)
}

func (r *recordingMonitor) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-r.scheduled:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect was scheduled")
		return 0
	}
}

func newTestManager(t *testing.T, dialer *fakeDialer, configure ...func(*ManagerBuilder)) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)

	b := NewManager().
		WithURL(testURL).
		WithClock(clk).
		WithDialer(dialer).
		WithAutoConnect(false)
	for _, c := range configure {
		c(b)
	}

	m, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { m.Destroy() })
	return m, clk
}

func awaitState(t *testing.T, m *Manager, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == state }, 2*time.Second, time.Millisecond,
		"state never became %s (now %s)", state, m.State())
}

// connect connects m and returns the transport it opened.
func connect(t *testing.T, m *Manager, dialer *fakeDialer) *fakeTransport {
	t.Helper()
	before := dialer.dialCount()
	require.NoError(t, m.Connect())
	awaitState(t, m, StateConnected)
	tr := dialer.transport(before)
	require.NotNil(t, tr)
	return tr
}

// collect returns a listener that forwards envelopes to a channel.
func collect(ch chan<- protocol.Envelope) Listener {
	return func(env protocol.Envelope) error {
		ch <- env
		return nil
	}
}

func receive(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return protocol.Envelope{}
	}
}
