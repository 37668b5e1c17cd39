package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/raven2cz/avatar-engine-sub000/pkg/avatar"
	"github.com/raven2cz/avatar-engine-sub000/pkg/protocol"
)

var errFakeClosed = errors.New("fake socket closed")

type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	// linger, when set, keeps reads going after Close until release.
	linger     chan struct{}
	lingerOnce sync.Once

	mu       sync.Mutex
	written  []protocol.Envelope
	writeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	stop := s.closed
	if s.linger != nil {
		stop = s.linger
	}
	select {
	case <-stop:
		return 0, nil, errFakeClosed
	default:
	}
	select {
	case raw := <-s.in:
		return websocket.TextMessage, raw, nil
	case <-stop:
		return 0, nil, errFakeClosed
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	s.written = append(s.written, env)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// release lets a lingering socket report its close to the reader.
func (s *fakeSocket) release() {
	if s.linger != nil {
		s.lingerOnce.Do(func() { close(s.linger) })
	}
}

// isClosed reports whether Close was called.
func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame.
func (s *fakeSocket) push(t *testing.T, msgType string, data any) {
	t.Helper()
	raw, err := protocol.Encode(msgType, data)
	require.NoError(t, err)
	s.in <- raw
}

func (s *fakeSocket) sent() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.written...)
}

func (s *fakeSocket) sentTypes() []string {
	var types []string
	for _, env := range s.sent() {
		types = append(types, env.Type)
	}
	return types
}

type dialRecord struct {
	url    string
	header http.Header
}

type fakeDialer struct {
	mu      sync.Mutex
	calls   []dialRecord
	failN   int
	linger  bool
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, header http.Header) (Socket, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialRecord{url: rawURL, header: header})
	if d.failN > 0 {
		d.failN--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	linger := d.linger
	d.mu.Unlock()

	s := newFakeSocket()
	if linger {
		s.linger = make(chan struct{})
	}
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockets:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// recorder collects everything a Conn hands to its observers.
type recorder struct {
	mu       sync.Mutex
	states   []avatar.State
	messages []protocol.Envelope
	seen     chan protocol.Envelope
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan protocol.Envelope, 256)}
}

func (r *recorder) HandleState(s avatar.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) HandleMessage(env protocol.Envelope) {
	r.mu.Lock()
	r.messages = append(r.messages, env)
	r.mu.Unlock()
	r.seen <- env
}

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.messages {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor blocks until a message of msgType has been delivered.
func (r *recorder) waitFor(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-r.seen:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return protocol.Envelope{}
		}
	}
}

// sync pushes a pong and waits for it, so every earlier frame is processed.
func (r *recorder) sync(t *testing.T, s *fakeSocket) {
	t.Helper()
	s.push(t, protocol.TypePong, nil)
	r.waitFor(t, protocol.TypePong)
}

func mustJSON(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}
