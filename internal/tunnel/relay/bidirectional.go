package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Failover supplies the next outbound connection when the current one turns
// out to be blackholed. *connector.Chain implements it.
type Failover interface {
	HasNext() bool
	Next(ctx context.Context) (net.Conn, error)
}

// Bidirectional pipes one inbound stream to a replaceable outbound connection.
//
// The outbound side may be swapped while the relay runs: when an outbound
// closes before a single byte reached the inbound side, the connection is
// assumed to be silently blocked and Failover.Next is asked for another one.
// This is a heuristic. A server that legitimately closes without answering
// is indistinguishable from a blocked one and will also trigger a retry.
type Bidirectional struct {
	Inbound net.Conn
	// Header is prefixed onto the first chunk sent to Inbound, exactly once.
	Header   []byte
	Failover Failover
	// Uplink and Downlink count relayed payload bytes, if set.
	Uplink     *atomic.Uint64
	Downlink   *atomic.Uint64
	BufferSize int
	Logger     zerolog.Logger

	headerSent bool
	delivered  atomic.Int64
	inboundEOF atomic.Bool
	stopping   atomic.Bool
}

// Run relays until either side closes and returns the error that ended the
// session, nil on a clean close. Run closes every outbound connection it was
// given. The inbound connection is left open for the caller to close.
func (r *Bidirectional) Run(ctx context.Context, outbound net.Conn) error {
	if r.BufferSize <= 0 {
		r.BufferSize = 32 * 1024
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := newOutboundHolder(outbound)
	defer h.closeAll()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.uplink(h, cancel)
	}()

	err := r.downlink(ctx, h, outbound)

	// 停止上行: 用读超时唤醒阻塞中的 Read, 不关闭入站连接
	r.stopping.Store(true)
	h.closeAll()
	_ = r.Inbound.SetReadDeadline(time.Now())
	wg.Wait()
	_ = r.Inbound.SetReadDeadline(time.Time{})
	return err
}

// Delivered returns the number of outbound bytes written to the inbound side.
func (r *Bidirectional) Delivered() int64 { return r.delivered.Load() }

func (r *Bidirectional) downlink(ctx context.Context, h *outboundHolder, conn net.Conn) error {
	for {
		err := r.copyDown(conn)
		if err != nil && errors.Is(err, errInboundWrite) {
			return err
		}

		if r.delivered.Load() > 0 || !r.canFailover(ctx) {
			if isClosedConnError(err) || r.inboundEOF.Load() {
				return nil
			}
			return err
		}

		r.Logger.Warn().Err(err).Msg("Outbound closed without sending data, trying next strategy.")
		next, nerr := h.swap(ctx, r.Failover)
		if nerr != nil {
			return nerr
		}
		conn = next
	}
}

func (r *Bidirectional) canFailover(ctx context.Context) bool {
	return r.Failover != nil && r.Failover.HasNext() && !r.inboundEOF.Load() && ctx.Err() == nil
}

var errInboundWrite = errors.New("write to inbound failed")

// copyDown copies conn to the inbound side until conn ends. A clean EOF
// returns nil.
func (r *Bidirectional) copyDown(conn net.Conn) error {
	buf := make([]byte, r.BufferSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !r.headerSent && len(r.Header) > 0 {
				chunk = append(append(make([]byte, 0, len(r.Header)+n), r.Header...), chunk...)
			}
			if _, werr := r.Inbound.Write(chunk); werr != nil {
				return errors.Join(errInboundWrite, werr)
			}
			r.headerSent = true
			r.delivered.Add(int64(n))
			if r.Downlink != nil {
				r.Downlink.Add(uint64(n))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// uplink pumps inbound bytes into whichever outbound is current.
func (r *Bidirectional) uplink(h *outboundHolder, cancel context.CancelFunc) {
	buf := make([]byte, r.BufferSize)
	for {
		n, err := r.Inbound.Read(buf)
		if n > 0 {
			if werr := h.write(buf[:n]); werr != nil {
				return
			}
			if r.Uplink != nil {
				r.Uplink.Add(uint64(n))
			}
		}
		if err != nil {
			if !r.stopping.Load() {
				r.inboundEOF.Store(true)
				cancel()
				h.closeAll()
			}
			return
		}
	}
}

func isClosedConnError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// outboundHolder guards the current outbound connection while it may be swapped.
type outboundHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cur    net.Conn
	closed bool
}

func newOutboundHolder(conn net.Conn) *outboundHolder {
	h := &outboundHolder{cur: conn}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// write sends b to the current outbound. If the write fails the connection is
// closed and, should a replacement arrive, b is written to it instead.
func (h *outboundHolder) write(b []byte) error {
	var failed net.Conn
	for {
		h.mu.Lock()
		for !h.closed && (h.cur == nil || h.cur == failed) {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return net.ErrClosed
		}
		conn := h.cur
		h.mu.Unlock()

		if _, err := conn.Write(b); err != nil {
			failed = conn
			conn.Close()
			continue
		}
		return nil
	}
}

// swap closes the current outbound and installs the next one from f.
func (h *outboundHolder) swap(ctx context.Context, f Failover) (net.Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, net.ErrClosed
	}
	old := h.cur
	h.cur = nil
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	next, err := f.Next(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if h.closed {
		next.Close()
		return nil, net.ErrClosed
	}
	h.cur = next
	h.cond.Broadcast()
	return next, nil
}

// closeAll closes the current outbound and wakes any waiting writer.
func (h *outboundHolder) closeAll() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conn := h.cur
	h.cur = nil
	h.cond.Broadcast()
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
