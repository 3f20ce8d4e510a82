package stdio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gaspardpetit/toolbridge/internal/channel"
)

// Channel adapts an io.Reader/io.Writer pair into a context-aware line
// channel. The hosting process hands it os.Stdin and os.Stdout; tests hand
// it in-memory pipes. A single goroutine owns the reader so ReadLine can
// honor context cancellation; writes are serialized and flushed per record.
type Channel struct {
	wmu sync.Mutex
	bw  *bufio.Writer

	resc chan result
	stop chan struct{}
	once sync.Once

	mu    sync.Mutex
	final error
}

type result struct {
	rec []byte
	err error
}

// New starts the reader goroutine over r and returns the channel. Records
// may be arbitrarily large; the reader grows its buffer per line.
func New(r io.Reader, w io.Writer) *Channel {
	c := &Channel{
		bw:   bufio.NewWriter(w),
		resc: make(chan result),
		stop: make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

func (c *Channel) readLoop(br *bufio.Reader) {
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			rec := bytes.TrimSuffix(line, []byte{'\n'})
			select {
			case c.resc <- result{rec: rec}:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.final = err
			c.mu.Unlock()
			select {
			case c.resc <- result{err: err}:
			case <-c.stop:
			}
			close(c.resc)
			return
		}
	}
}

// ReadLine returns the next record without its terminator. It returns
// io.EOF once the stream ends and keeps returning it on further calls.
func (c *Channel) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case res, ok := <-c.resc:
		if !ok {
			return nil, c.finalError()
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.rec, nil
	case <-c.stop:
		return nil, channel.ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteLine appends rec plus the terminator and flushes.
func (c *Channel) WriteLine(ctx context.Context, rec []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.stop:
		return channel.ErrDisconnected
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(rec); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("flush line: %w", err)
	}
	return nil
}

// Close stops the reader goroutine and fails subsequent operations. It does
// not close the underlying reader or writer; the caller owns those.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Channel) finalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final == nil {
		return io.EOF
	}
	return c.final
}
