package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingReader wraps a reader and records whether Close was called.
type trackingReader struct {
	io.Reader
	closed atomic.Bool
}

func (r *trackingReader) Close() error {
	r.closed.Store(true)
	return nil
}

// slowWriter sleeps before every write to simulate a client slower than upstream.
type slowWriter struct {
	buf   bytes.Buffer
	delay time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.delay)
	return w.buf.Write(p)
}

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n >= w.after {
		return 0, errors.New("broken pipe")
	}
	w.n += len(p)
	return len(p), nil
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

// errAfterReader returns data then a non-EOF error.
type errAfterReader struct {
	data []byte
	err  error
}

func (r *errAfterReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPump_CopiesExactBytes(t *testing.T) {
	payload := randomPayload(t, 1<<20)
	src := &trackingReader{Reader: bytes.NewReader(payload)}
	var dst bytes.Buffer

	p := New(0, 0, 0)
	stats, err := p.Run(context.Background(), &dst, src, nil)

	require.NoError(t, err)
	assert.Equal(t, Completed, stats.State)
	assert.Equal(t, int64(len(payload)), stats.Bytes)
	assert.True(t, bytes.Equal(payload, dst.Bytes()), "relayed body differs from upstream body")
	assert.False(t, src.closed.Load(), "src must stay open on success")
}

func TestPump_EmptyBody(t *testing.T) {
	src := &trackingReader{Reader: bytes.NewReader(nil)}
	var dst bytes.Buffer

	stats, err := New(0, 0, 0).Run(context.Background(), &dst, src, nil)

	require.NoError(t, err)
	assert.Equal(t, Completed, stats.State)
	assert.Zero(t, stats.Bytes)
}

func TestPump_BackpressureBoundsBufferedBytes(t *testing.T) {
	const (
		chunk = 4 * 1024
		depth = 2
		total = 2 << 20
	)
	src := &trackingReader{Reader: io.LimitReader(rand.Reader, total)}
	dst := &slowWriter{delay: 200 * time.Microsecond}

	p := New(chunk, depth, 0)
	stats, err := p.Run(context.Background(), dst, src, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(total), stats.Bytes)
	assert.Equal(t, total, dst.buf.Len())
	assert.LessOrEqual(t, stats.PeakBuffered, p.MaxBuffered())
	assert.Less(t, stats.PeakBuffered, int64(total/8), "pump buffered a large share of the payload")
}

func TestPump_ReaderWaitsForSlowClient(t *testing.T) {
	const chunk = 1024
	var readTotal atomic.Int64
	src := &trackingReader{Reader: &countingReader{r: io.LimitReader(rand.Reader, 1<<20), n: &readTotal}}

	gate := make(chan struct{})
	dst := writerFunc(func(p []byte) (int, error) {
		<-gate
		return len(p), nil
	})

	p := New(chunk, 2, 0)
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), dst, src, nil)
		done <- err
	}()

	// With the client blocked, upstream reads must stop at the buffer bound.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, readTotal.Load(), p.MaxBuffered())

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pump did not finish after the client drained")
	}
	assert.Equal(t, int64(1<<20), readTotal.Load())
}

func TestPump_WriteErrorAborts(t *testing.T) {
	src := &trackingReader{Reader: io.LimitReader(rand.Reader, 1<<20)}
	dst := &failingWriter{after: 64 * 1024}

	stats, err := New(16*1024, 2, 0).Run(context.Background(), dst, src, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, Aborted, stats.State)
	assert.Equal(t, int64(64*1024), stats.Bytes)
	assert.True(t, src.closed.Load(), "src must be closed on abort")
}

func TestPump_ReadErrorAborts(t *testing.T) {
	readErr := errors.New("connection reset by peer")
	src := &trackingReader{Reader: &errAfterReader{data: []byte("partial"), err: readErr}}
	var dst bytes.Buffer

	stats, err := New(0, 0, 0).Run(context.Background(), &dst, src, nil)

	require.ErrorIs(t, err, readErr)
	assert.Equal(t, Aborted, stats.State)
	assert.Equal(t, "partial", dst.String())
	assert.Equal(t, int64(len("partial")), stats.Bytes)
}

func TestPump_StallTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	go func() {
		_, _ = pw.Write([]byte("first"))
		// then nothing: the origin hangs
	}()

	var dst bytes.Buffer
	start := time.Now()
	stats, err := New(0, 0, 50*time.Millisecond).Run(context.Background(), &dst, pr, nil)

	require.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, Aborted, stats.State)
	assert.Equal(t, "first", dst.String())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPump_StallIgnoresSlowClient(t *testing.T) {
	src := &trackingReader{Reader: bytes.NewReader(make([]byte, 8*1024))}
	dst := &slowWriter{delay: 30 * time.Millisecond}

	stats, err := New(1024, 1, 20*time.Millisecond).Run(context.Background(), dst, src, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(8*1024), stats.Bytes)
}

func TestPump_ContextCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	var dst bytes.Buffer
	stats, err := New(0, 0, 0).Run(ctx, &dst, pr, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Aborted, stats.State)
}

func TestPump_FlushesAndObserves(t *testing.T) {
	payload := randomPayload(t, 10*1024)
	src := &trackingReader{Reader: bytes.NewReader(payload)}
	dst := &flushRecorder{}

	var (
		mu     sync.Mutex
		totals []int64
	)
	obs := ObserverFunc(func(total int64) {
		mu.Lock()
		totals = append(totals, total)
		mu.Unlock()
	})

	stats, err := New(1024, 2, 0).Run(context.Background(), dst, src, obs)

	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), stats.Bytes)
	assert.Positive(t, dst.flushes)
	require.NotEmpty(t, totals)
	assert.Equal(t, int64(len(payload)), totals[len(totals)-1])
	for i := 1; i < len(totals); i++ {
		assert.Greater(t, totals[i], totals[i-1], "observer totals must increase")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "state(9)", State(9).String())
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
