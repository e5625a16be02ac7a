package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/haloview/server/internal/memory"
	"github.com/haloview/server/internal/tile"
	"github.com/haloview/server/internal/tilecache"
	"github.com/haloview/server/internal/view"
)

// fakeSource serves a gradient image and lets tests count, delay and fail
// tile reads.
type fakeSource struct {
	*tile.MemorySource[uint16]

	reads atomic.Int64
	gate  chan struct{}

	mu    sync.Mutex
	fail  map[tile.Key]error
	delay func(tile.Key) time.Duration
}

func newFakeSource(t *testing.T, w, h, tw, th int) *fakeSource {
	t.Helper()
	pix := make([]uint16, w*h)
	for i := range pix {
		pix[i] = uint16(i)
	}
	mem, err := tile.NewMemorySource(pix, w, h, tw, th)
	require.NoError(t, err)
	return &fakeSource{MemorySource: mem, fail: make(map[tile.Key]error)}
}

func (s *fakeSource) setFail(k tile.Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, k)
		return
	}
	s.fail[k] = err
}

func (s *fakeSource) ReadTile(ctx context.Context, key tile.Key, dst []uint16) error {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	err, delay := s.fail[key], s.delay
	s.mu.Unlock()
	if delay != nil {
		time.Sleep(delay(key))
	}
	if err != nil {
		return err
	}
	return s.MemorySource.ReadTile(ctx, key, dst)
}

type harness struct {
	src *fakeSource
	mem *memory.Manager[uint16]
	p   *Pipeline[uint16]
}

func newHarness(t *testing.T, src *fakeSource, budget int64, mutate func(*Config[uint16])) *harness {
	t.Helper()
	mem, err := memory.NewManager[uint16](budget)
	require.NoError(t, err)
	cache, err := tilecache.New(mem)
	require.NoError(t, err)
	cfg := Config[uint16]{
		Source:    src,
		Memory:    mem,
		Cache:     cache,
		Assembler: view.Assembler[uint16]{Ghost: view.Constant[uint16](0xFFFF)},
		Workers:   3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() {
		p.Abort()
		for res := range p.Out() {
			if res.View != nil {
				res.View.Release()
			}
		}
	})
	return &harness{src: src, mem: mem, p: p}
}

func (h *harness) plan(t *testing.T, row, col, height, width, radius int) view.Request {
	t.Helper()
	g, err := h.src.Geometry(0)
	require.NoError(t, err)
	q, err := view.Plan(g, view.Region{Row: row, Col: col, Height: height, Width: width}, radius)
	require.NoError(t, err)
	return q
}

func (h *harness) retrieve(t *testing.T) Result[uint16] {
	t.Helper()
	select {
	case res, ok := <-h.p.Out():
		require.True(t, ok, "output closed early")
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
	return Result[uint16]{}
}

// expectPixels checks the in-image part of v against the gradient image.
func expectPixels(t *testing.T, v *view.View[uint16], imageWidth int) {
	t.Helper()
	rect, exp := v.Rect(), v.Expanded()
	for r := rect.Row; r < rect.Bottom(); r++ {
		for c := rect.Col; c < rect.Right(); c++ {
			got := v.Data()[(r-exp.Row)*exp.Width+c-exp.Col]
			require.Equal(t, uint16(r*imageWidth+c), got, "pixel (%d,%d)", r, c)
		}
	}
}

func TestPipelineDeliversViews(t *testing.T) {
	h := newHarness(t, newFakeSource(t, 40, 30, 8, 8), 1<<20, nil)

	regions := [][4]int{{0, 0, 4, 4}, {10, 12, 8, 9}, {26, 36, 4, 4}, {3, 3, 20, 20}}
	for _, r := range regions {
		_, err := h.p.Submit(h.plan(t, r[0], r[1], r[2], r[3], 2))
		require.NoError(t, err)
	}
	h.p.Finish()

	got := 0
	for res := range h.p.Out() {
		require.NoError(t, res.Err)
		expectPixels(t, res.View, 40)
		res.View.Release()
		got++
	}
	require.Equal(t, len(regions), got)
	<-h.p.Done()
	require.EqualValues(t, 0, h.mem.Stats().InUse)
	require.Equal(t, 0, h.p.InFlight())
}

func TestPipelineSingleReadPerLoadingTile(t *testing.T) {
	src := newFakeSource(t, 16, 16, 16, 16)
	src.gate = make(chan struct{})
	h := newHarness(t, src, 1<<20, nil)

	for range 8 {
		_, err := h.p.Submit(h.plan(t, 4, 4, 4, 4, 1))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return h.p.InFlight() == 8 && src.reads.Load() == 1 }, time.Second, time.Millisecond)
	close(src.gate)

	var first []uint16
	for range 8 {
		res := h.retrieve(t)
		require.NoError(t, res.Err)
		if first == nil {
			first = append([]uint16(nil), res.View.Data()...)
		} else if diff := cmp.Diff(first, res.View.Data()); diff != "" {
			t.Errorf("views differ (-first +got):\n%s", diff)
		}
		res.View.Release()
	}
	require.EqualValues(t, 1, src.reads.Load())
}

func TestPipelineFailureIsIsolated(t *testing.T) {
	src := newFakeSource(t, 32, 32, 8, 8)
	bad := tile.Key{Row: 0, Col: 1}
	ioErr := errors.New("disk on fire")
	src.setFail(bad, ioErr)
	h := newHarness(t, src, 1<<20, func(c *Config[uint16]) { c.PreserveOrder = true })

	_, err := h.p.Submit(h.plan(t, 0, 6, 4, 4, 0)) // covers the bad tile
	require.NoError(t, err)
	_, err = h.p.Submit(h.plan(t, 20, 20, 4, 4, 1)) // does not
	require.NoError(t, err)

	res := h.retrieve(t)
	var tre *TileReadError
	require.ErrorAs(t, res.Err, &tre)
	require.Equal(t, bad, tre.Key)
	require.Equal(t, res.Region, tre.Region)
	require.Equal(t, view.Region{Row: 0, Col: 6, Height: 4, Width: 4}, tre.Region)
	require.Equal(t, res.Seq, tre.Seq)
	require.ErrorIs(t, res.Err, ioErr)
	require.Nil(t, res.View)

	res = h.retrieve(t)
	require.NoError(t, res.Err)
	res.View.Release()

	// The failed tile is not cached: resubmitting retries the read.
	src.setFail(bad, nil)
	_, err = h.p.Submit(h.plan(t, 0, 6, 4, 4, 0))
	require.NoError(t, err)
	res = h.retrieve(t)
	require.NoError(t, res.Err)
	expectPixels(t, res.View, 32)
	res.View.Release()

	require.Eventually(t, func() bool { return h.mem.Stats().InUse == 0 }, time.Second, time.Millisecond)
}

func TestPipelinePreservesOrder(t *testing.T) {
	src := newFakeSource(t, 64, 8, 8, 8)
	// Earlier columns load slower, so completion order is reversed.
	src.delay = func(k tile.Key) time.Duration { return time.Duration(8-k.Col) * 5 * time.Millisecond }
	h := newHarness(t, src, 1<<20, func(c *Config[uint16]) {
		c.PreserveOrder = true
		c.Workers = 8
	})

	for col := range 8 {
		_, err := h.p.Submit(h.plan(t, 0, col*8, 8, 8, 0))
		require.NoError(t, err)
	}
	for want := range 8 {
		res := h.retrieve(t)
		require.NoError(t, res.Err)
		require.EqualValues(t, want, res.Seq)
		require.Equal(t, want*8, res.Region.Col)
		res.View.Release()
	}
}

func TestPipelineRespectsBudget(t *testing.T) {
	src := newFakeSource(t, 64, 64, 8, 8)
	src.delay = func(tile.Key) time.Duration { return time.Millisecond }
	// A 12x12 view is 288 bytes and covers at most 9 tiles of 128 bytes.
	const budget = 2048
	h := newHarness(t, src, budget, func(c *Config[uint16]) { c.Workers = 4 })

	const n = 60
	for i := range n {
		_, err := h.p.Submit(h.plan(t, (i*7)%50+2, (i*11)%50+2, 8, 8, 2))
		require.NoError(t, err)
	}
	h.p.Finish()

	for range n {
		res := h.retrieve(t)
		require.NoError(t, res.Err)
		require.LessOrEqual(t, h.mem.Stats().InUse, int64(budget))
		expectPixels(t, res.View, 64)
		res.View.Release()
	}
	<-h.p.Done()
	st := h.mem.Stats()
	require.LessOrEqual(t, st.Peak, int64(budget))
	require.EqualValues(t, 0, st.InUse)
}

func TestPipelineRejectsOversizedRequest(t *testing.T) {
	h := newHarness(t, newFakeSource(t, 64, 64, 8, 8), 512, nil)
	_, err := h.p.Submit(h.plan(t, 0, 0, 16, 16, 0))
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestPipelineSubmitAfterFinish(t *testing.T) {
	h := newHarness(t, newFakeSource(t, 8, 8, 8, 8), 1<<16, nil)
	h.p.Finish()
	h.p.Finish()
	_, err := h.p.Submit(h.plan(t, 0, 0, 1, 1, 0))
	require.ErrorIs(t, err, ErrClosed)
	_, ok := <-h.p.Out()
	require.False(t, ok)
}

func TestPipelineDo(t *testing.T) {
	h := newHarness(t, newFakeSource(t, 20, 20, 6, 6), 1<<16, nil)
	v, err := h.p.Do(context.Background(), h.plan(t, 5, 5, 3, 3, 2))
	require.NoError(t, err)
	expectPixels(t, v, 20)
	require.Len(t, v.Tiles(), 4)
	v.Release()

	// Do results never appear on the streamed output.
	select {
	case res := <-h.p.Out():
		t.Fatalf("unexpected streamed result %+v", res)
	default:
	}
}
