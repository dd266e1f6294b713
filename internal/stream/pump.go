// Package stream moves an upstream body to a client with bounded buffering.
//
// A Pump runs two stages joined by a bounded channel: a reader that fills
// chunk buffers from the upstream body and a writer that drains them to the
// client. When the client is slower than the origin the writer blocks, the
// channel fills and the reader stops pulling from upstream, so the bytes held
// in flight never exceed (Depth+2)*ChunkSize regardless of payload size.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStalled is returned when a single upstream read makes no progress
// within the stall timeout.
var ErrStalled = errors.New("upstream stalled")

// State is a pump lifecycle state.
type State int32

// Pump states. Completed and Aborted are terminal.
const (
	Idle State = iota
	Streaming
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer receives progress from a running pump. Calls are made from the
// writer stage, one at a time.
type Observer interface {
	// Written is called after each chunk reaches the client with the running total.
	Written(total int64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(total int64)

// Written implements Observer.
func (f ObserverFunc) Written(total int64) { f(total) }

// Stats summarizes a finished pump run.
type Stats struct {
	State State
	// Bytes is the number of body bytes written to the client.
	Bytes int64
	// PeakBuffered is the largest number of bytes read from upstream but not
	// yet written to the client at any point during the run.
	PeakBuffered int64
}

// Defaults used when Pump fields are zero.
const (
	DefaultChunkSize = 32 * 1024
	DefaultDepth     = 4
)

// Pump copies one body. A Pump may be reused for sequential or concurrent
// runs; it holds no per-run state.
type Pump struct {
	ChunkSize int
	Depth     int
	// StallTimeout bounds each upstream read. Zero disables it.
	StallTimeout time.Duration

	pool sync.Pool
}

// New returns a Pump with the given settings; zero values select defaults.
func New(chunkSize, depth int, stallTimeout time.Duration) *Pump {
	return &Pump{ChunkSize: chunkSize, Depth: depth, StallTimeout: stallTimeout}
}

func (p *Pump) chunkSize() int {
	if p.ChunkSize > 0 {
		return p.ChunkSize
	}
	return DefaultChunkSize
}

func (p *Pump) depth() int {
	if p.Depth > 0 {
		return p.Depth
	}
	return DefaultDepth
}

// MaxBuffered is the upper bound on in-flight bytes for a run.
func (p *Pump) MaxBuffered() int64 {
	return int64(p.depth()+2) * int64(p.chunkSize())
}

func (p *Pump) getBuf() []byte {
	if b, ok := p.pool.Get().(*[]byte); ok && len(*b) == p.chunkSize() {
		return *b
	}
	return make([]byte, p.chunkSize())
}

func (p *Pump) putBuf(b []byte) {
	b = b[:cap(b)]
	p.pool.Put(&b)
}

type flusher interface {
	Flush()
}

// run is the shared state of a single Run call.
type run struct {
	inflight atomic.Int64
	peak     atomic.Int64
}

func (r *run) add(n int64) {
	cur := r.inflight.Add(n)
	for {
		peak := r.peak.Load()
		if cur <= peak || r.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Run copies src to dst until src is exhausted, a read or write fails, or ctx
// is canceled. src is closed when the run aborts; on success the caller still
// owns src and must close it. If dst implements Flush it is flushed whenever
// the writer has drained everything read so far.
//
// The returned Stats are valid on every path; the error is nil only when
// Stats.State is Completed.
func (p *Pump) Run(ctx context.Context, dst io.Writer, src io.ReadCloser, obs Observer) (Stats, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	chunks := make(chan []byte, p.depth())
	var (
		r       run
		written int64
	)

	// Cancellation closes src so a blocked upstream read returns.
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		// A read failure closes the channel; chunks already read still reach
		// the client before the run aborts.
		defer close(chunks)
		return p.fill(ctx, cancel, src, chunks, &r)
	})
	g.Go(func() error {
		n, err := p.drain(ctx, dst, chunks, &r, obs)
		written = n
		if err != nil {
			cancel(err)
		}
		return err
	})

	err := g.Wait()
	stats := Stats{State: Completed, Bytes: written, PeakBuffered: r.peak.Load()}
	if err != nil {
		stats.State = Aborted
		_ = src.Close()
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return stats, err
	}
	return stats, nil
}

// fill reads chunks from src until EOF. Each read is individually bounded
// by the stall timeout; time spent waiting for channel space is not.
func (p *Pump) fill(ctx context.Context, cancel context.CancelCauseFunc, src io.Reader, chunks chan<- []byte, r *run) error {
	var stall *time.Timer
	if p.StallTimeout > 0 {
		stall = time.AfterFunc(p.StallTimeout, func() { cancel(ErrStalled) })
		stall.Stop()
		defer stall.Stop()
	}

	for {
		buf := p.getBuf()
		if stall != nil {
			stall.Reset(p.StallTimeout)
		}
		n, err := src.Read(buf)
		if stall != nil {
			stall.Stop()
		}

		if n > 0 {
			r.add(int64(n))
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				p.putBuf(buf)
				return context.Cause(ctx)
			}
		} else {
			p.putBuf(buf)
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return fmt.Errorf("read upstream: %w", err)
		}
	}
}

// drain writes chunks to dst in order and reports the bytes written.
func (p *Pump) drain(ctx context.Context, dst io.Writer, chunks <-chan []byte, r *run, obs Observer) (int64, error) {
	f, _ := dst.(flusher)
	var total int64

	for {
		var (
			buf []byte
			ok  bool
		)
		select {
		case buf, ok = <-chunks:
		case <-ctx.Done():
			return total, context.Cause(ctx)
		}
		if !ok {
			if f != nil {
				f.Flush()
			}
			return total, nil
		}

		n, err := dst.Write(buf)
		total += int64(n)
		r.add(-int64(len(buf)))
		p.putBuf(buf)
		if err == nil && n < len(buf) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return total, fmt.Errorf("write client: %w", err)
		}

		if obs != nil {
			obs.Written(total)
		}
		if f != nil && len(chunks) == 0 {
			f.Flush()
		}
	}
}
