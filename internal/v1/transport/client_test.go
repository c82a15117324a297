package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type writtenFrame struct {
	messageType int
	data        []byte
}

// fakeWSConn feeds readPump from a channel and records everything written.
type fakeWSConn struct {
	inbound chan []byte

	mu        sync.Mutex
	writes    []writtenFrame
	closeOnce sync.Once
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{inbound: make(chan []byte, 16)}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, writtenFrame{messageType: messageType, data: buf})
	return nil
}

func (f *fakeWSConn) Close() error {
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeWSConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeWSConn) written() []writtenFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]writtenFrame, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestDeliverWritesTextFrames(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.Deliver([]byte(`{"type":"hello"}`))
	require.Eventually(t, func() bool { return len(conn.written()) == 1 }, time.Second, 5*time.Millisecond)
	frame := conn.written()[0]
	assert.Equal(t, websocket.TextMessage, frame.messageType)
	assert.JSONEq(t, `{"type":"hello"}`, string(frame.data))

	c.Shutdown(websocket.CloseNormalClosure, "")
	<-done
}

func TestShutdownEmitsApplicationCloseCode(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.Shutdown(4403, "not a member")
	<-done

	writes := conn.written()
	require.NotEmpty(t, writes)
	last := writes[len(writes)-1]
	assert.Equal(t, websocket.CloseMessage, last.messageType)
	assert.Equal(t, websocket.FormatCloseMessage(4403, "not a member"), last.data)
}

func TestShutdownKeepsFirstCloseCode(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	c.Shutdown(4003, "left room")
	c.Shutdown(4500, "later error")

	code, reason := c.closeState()
	assert.Equal(t, 4003, code)
	assert.Equal(t, "left room", reason)
}

func TestDeliverAfterShutdownIsDropped(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	c.Shutdown(websocket.CloseNormalClosure, "")
	assert.NotPanics(t, func() { c.Deliver([]byte("late frame")) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	<-done

	// Only the close frame goes out.
	writes := conn.written()
	require.Len(t, writes, 1)
	assert.Equal(t, websocket.CloseMessage, writes[0].messageType)
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	// No write pump draining; the buffer fills and the rest is dropped
	// without blocking.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < sendBufferSize+10; i++ {
			c.Deliver([]byte("frame"))
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a saturated buffer")
	}
	assert.Equal(t, sendBufferSize, len(c.send))

	c.Shutdown(websocket.CloseNormalClosure, "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	<-done
}

func TestDeliverConcurrentWithShutdown(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < 1000; i++ {
			c.Deliver([]byte("frame"))
		}
	}()
	c.Shutdown(websocket.CloseNormalClosure, "")
	<-delivered

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	<-done

	// Whatever was queued before the close drains, then the close frame.
	writes := conn.written()
	require.NotEmpty(t, writes)
	assert.Equal(t, websocket.CloseMessage, writes[len(writes)-1].messageType)
}

func TestReadPumpRoutesMessages(t *testing.T) {
	conn := newFakeWSConn()
	c := newClient(conn, 7)

	var mu sync.Mutex
	var received [][]byte
	disconnected := make(chan struct{})
	c.onMessage = func(ctx context.Context, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, data)
	}
	c.onDisconnect = func() { close(disconnected) }

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump()
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump()
	}()

	conn.inbound <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	<-readDone
	<-disconnected
	<-writeDone
}
