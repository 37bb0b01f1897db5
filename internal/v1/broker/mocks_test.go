package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory wsConnection. The test side feeds frames with
// clientSend and observes server writes with textFrames.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

var _ wsConnection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

// clientSend simulates the browser sending a frame.
func (f *fakeConn) clientSend(frame Frame) {
	data, _ := json.Marshal(frame)
	f.inbound <- data
}

// textFrames decodes everything the server has written so far.
func (f *fakeConn) textFrames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Frame, 0, len(f.written))
	for _, data := range f.written {
		var frame Frame
		if err := json.Unmarshal(data, &frame); err == nil {
			out = append(out, frame)
		}
	}
	return out
}

// framesOfType filters the written frames by event type.
func (f *fakeConn) framesOfType(eventType string) []Frame {
	var out []Frame
	for _, frame := range f.textFrames() {
		if frame.Type == eventType {
			out = append(out, frame)
		}
	}
	return out
}
