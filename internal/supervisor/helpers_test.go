package supervisor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nvrd/internal/hls"
	"nvrd/internal/metrics"
	"nvrd/internal/model"
	"nvrd/internal/proc"
	"nvrd/internal/proc/testkit"
	"nvrd/internal/store"
)

func specNamed(name string) proc.Spec { return proc.Spec{Name: name} }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sinkEvent struct {
	Event   string
	Payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordingSink) Broadcast(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, sinkEvent{Event: event, Payload: payload})
	r.mu.Unlock()
}

func (r *recordingSink) Events() []sinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sinkEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) ByEvent(event string) []sinkEvent {
	var out []sinkEvent
	for _, ev := range r.Events() {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sup    *Supervisor
	st     *store.Store
	runner *testkit.Runner
	clock  *fakeClock
	sink   *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := &testkit.Runner{}
	clock := newFakeClock()
	sink := &recordingSink{}

	sup := New(Options{
		Store:   st,
		Runner:  runner,
		Sink:    sink,
		Metrics: metrics.NewUnregistered(),
		Log:     zerolog.Nop(),
		Clock:   clock,
	})
	return &harness{sup: sup, st: st, runner: runner, clock: clock, sink: sink}
}

// addCamera persists a camera whose stream directory lives under a temp
// dir, returning the record with defaults applied.
func (h *harness) addCamera(t *testing.T, mutate func(*model.Camera)) *model.Camera {
	t.Helper()
	dir := t.TempDir()
	cam := &model.Camera{
		Key:    "C100",
		Name:   "porch",
		Disk:   dir,
		Folder: "live",
		IP:     "10.0.0.9",
		User:   "view",
		Passwd: "hunter2",
	}
	if mutate != nil {
		mutate(cam)
	}
	require.NoError(t, h.st.Cameras().Put(cam.Key, cam))
	require.NoError(t, os.MkdirAll(cam.StreamDir(), 0o755))
	cam.ApplyDefaults()
	return cam
}

func (h *harness) settings(t *testing.T, mutate func(*model.Settings)) *model.Settings {
	t.Helper()
	set := &model.Settings{}
	if mutate != nil {
		mutate(set)
	}
	require.NoError(t, h.st.Settings().Put("settings", set))
	set.ApplyDefaults()
	return set
}

// writeLiveManifest materializes a live manifest plus its segment files in
// the camera's stream directory.
func writeLiveManifest(t *testing.T, cam *model.Camera, first, last int) {
	t.Helper()
	dir := cam.StreamDir()
	content := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n"
	for i := first; i <= last; i++ {
		content += "#EXTINF:2.000000,\n" + filepath.Base(hls.SegmentPath(dir, i)) + "\n"
		require.NoError(t, os.WriteFile(hls.SegmentPath(dir, i), []byte("ts"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte(content), 0o644))
}

func (h *harness) motionEvent(t *testing.T, key string) *model.MotionEvent {
	t.Helper()
	var ev model.MotionEvent
	require.NoError(t, h.st.Motion().Get(key, &ev))
	return &ev
}

func (h *harness) camera(t *testing.T, key string) *model.Camera {
	t.Helper()
	var cam model.Camera
	require.NoError(t, h.st.Cameras().Get(key, &cam))
	cam.Key = key
	return &cam
}
