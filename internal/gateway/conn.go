package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	dialTimeout  = 30 * time.Second
	writeWait    = 10 * time.Second
	writeQueueSz = 64

	// Frames larger than this are a protocol violation.
	maxFrameBytes = 1 << 20
)

// Dialer opens the raw transport. Swapped for an in-memory pipe in tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// defaultDialer dials plain TCP.
func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

var errConnClosed = errors.New("gateway connection closed")

// conn wraps one live transport connection. All writes are serialised
// through a single write queue; reads happen from the session's read
// loop only.
type conn struct {
	raw    net.Conn
	reader *bufio.Reader

	writeCh   chan writeRequest
	closeOnce sync.Once
	closed    chan struct{}
}

type writeRequest struct {
	frame Frame
	errCh chan error
}

func newConn(raw net.Conn) *conn {
	c := &conn{
		raw:     raw,
		reader:  bufio.NewReaderSize(raw, maxFrameBytes),
		writeCh: make(chan writeRequest, writeQueueSz),
		closed:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case req := <-c.writeCh:
			data, err := json.Marshal(req.frame)
			if err == nil {
				data = append(data, '\n')
				_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
				_, err = c.raw.Write(data)
			}
			req.errCh <- err
		}
	}
}

// writeFrame enqueues a frame on the write queue and waits for the
// result. Back-pressure: when the queue is full, callers block behind
// in-flight writes.
func (c *conn) writeFrame(ctx context.Context, f Frame) error {
	req := writeRequest{frame: f, errCh: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errCh:
		if err != nil {
			return fmt.Errorf("failed to write %s frame: %w", f.Kind, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readFrame blocks until the next frame arrives. Malformed lines are
// returned as an unmarshalling error; the session decides whether to
// skip or drop the connection.
func (c *conn) readFrame() (Frame, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}
