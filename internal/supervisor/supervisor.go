// Package supervisor is the control loop of the recorder. A 1 Hz tick
// reconciles the declared state in the store (cameras × settings) with the
// actual state of the stream transcoders, the camera motion APIs, the
// per-camera motion pipeline and the shared detection worker.
package supervisor

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nvrd/internal/metrics"
	"nvrd/internal/model"
	"nvrd/internal/proc"
	"nvrd/internal/push"
	"nvrd/internal/store"
)

// Clock abstracts wall-clock time so tests can drive schedules.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Tunables of the control loop. Exposed as variables so tests can shorten
// the real-time windows they depend on.
var (
	streamCheckInterval  = 5 * time.Second
	streamStallAge       = 10 * time.Second
	motionFetchTimeout   = 5 * time.Second
	apiErrorBackoff      = 10 * time.Second
	apiReturnedBackoff   = 30 * time.Second
	mlResultTimeout      = 30 * time.Second
	orphanSlotTimeout    = 10 * time.Second
	killEscalation       = 2 * time.Second
	shutdownEscalation   = 5 * time.Second
	restartWindow        = 30 * time.Minute
	keepAliveEveryTicks  = 30
	mergeRetryDelay      = 50 * time.Millisecond
	minSlotCap           = 90 * time.Second
	shutdownDrainTimeout = 10 * time.Second
)

// Options wires a Supervisor.
type Options struct {
	Store       *store.Store
	Runner      proc.Runner
	Sink        push.Sink
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	Clock       Clock
	DetectorDir string
	HTTPClient  *http.Client
}

// Supervisor owns all per-camera runtime state. Persistent state lives in
// the store; everything here is re-derived from it on start.
type Supervisor struct {
	st     *store.Store
	runner proc.Runner
	sink   push.Sink
	met    *metrics.Metrics
	log    zerolog.Logger
	clock  Clock
	detDir string
	httpc  *http.Client

	mu       sync.Mutex
	cams     map[string]*cameraRuntime
	detector detectorRuntime

	shuttingDown  atomic.Bool
	closeHandlers sync.WaitGroup
	tickCount     uint64
	warnedNoCams  bool
}

// cameraRuntime is the supervisor-owned in-memory state for one camera.
type cameraRuntime struct {
	stream          proc.Process
	streamStartedAt time.Time
	streamConfirmed bool
	lastStreamCheck time.Time
	streamStarting  bool

	motionInFlight     bool
	motionFail         bool
	motionCheckAfter   time.Time
	motionLastPoll     time.Time
	motionStatus       string
	movementDerived    bool
	currentMovementKey string

	slot *processingSlot
}

// New builds a Supervisor from options, filling optional fields with
// production defaults.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		st:     opts.Store,
		runner: opts.Runner,
		sink:   opts.Sink,
		met:    opts.Metrics,
		log:    opts.Log,
		clock:  opts.Clock,
		detDir: opts.DetectorDir,
		httpc:  opts.HTTPClient,
		cams:   make(map[string]*cameraRuntime),
	}
	if s.runner == nil {
		s.runner = &proc.ExecRunner{Log: opts.Log}
	}
	if s.sink == nil {
		s.sink = push.Nop{}
	}
	if s.met == nil {
		s.met = metrics.NewUnregistered()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.httpc == nil {
		s.httpc = &http.Client{Timeout: motionFetchTimeout}
	}
	s.detector.frameSent = make(map[string]time.Time)
	s.detector.pendingUpdates = make(map[string]int)
	return s
}

// Run drives the tick loop until the context is cancelled, then performs
// the ordered shutdown.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one reconciliation pass: detector lifecycle first, then
// stream → confirmation → motion → processing for every non-deleted
// camera, then the finalize sweep and the periodic keep-alive.
func (s *Supervisor) Tick() {
	if s.shuttingDown.Load() {
		return
	}
	s.met.Ticks.Inc()
	settings := s.loadSettings()

	s.mu.Lock()
	s.detectorLifecycle(settings)
	s.mu.Unlock()

	cameras := s.listCameras()
	if len(cameras) == 0 {
		s.mu.Lock()
		if !s.warnedNoCams {
			s.log.Info().Msg("No cameras configured")
			s.warnedNoCams = true
		}
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.warnedNoCams = false
		s.mu.Unlock()
	}

	active := make(map[string]bool, len(cameras))
	for i := range cameras {
		cam := &cameras[i]
		cam.ApplyDefaults()
		active[cam.Key] = true
		s.streamController(cam, settings)
		s.confirmStream(cam)
		s.maybePollMotion(cam, settings)
		s.runProcessing(cam, settings)
	}

	// Per-tick sweep so the ML-result timeout progresses even for quiet
	// cameras.
	s.mu.Lock()
	s.reapRemovedCameras(active)
	for key, rt := range s.cams {
		if rt.slot != nil {
			s.checkAndFinalize(key)
		}
	}
	s.tickCount++
	tick := s.tickCount
	s.mu.Unlock()

	if tick%uint64(keepAliveEveryTicks) == 0 {
		s.sink.Broadcast(push.EventKeepAlive, nil)
	}
}

// rt returns (creating on first use) the runtime record for a camera key.
// Caller holds s.mu.
func (s *Supervisor) rt(cameraKey string) *cameraRuntime {
	r, ok := s.cams[cameraKey]
	if !ok {
		r = &cameraRuntime{}
		s.cams[cameraKey] = r
	}
	return r
}

func (s *Supervisor) loadSettings() *model.Settings {
	var set model.Settings
	if err := s.st.Settings().Get("settings", &set); err != nil {
		if err != store.ErrNotFound {
			s.log.Error().Err(err).Msg("loading settings")
		}
		set = model.DefaultSettings()
		return &set
	}
	set.ApplyDefaults()
	return &set
}

func (s *Supervisor) listCameras() []model.Camera {
	var cams []model.Camera
	err := s.st.Cameras().Ascend(store.Bounds{}, func(key string, value []byte) (bool, error) {
		var cam model.Camera
		if err := unmarshal(value, &cam); err != nil {
			s.log.Error().Err(err).Str("camera", key).Msg("decoding camera record")
			return false, nil
		}
		cam.Key = key
		if !cam.Deleted {
			cams = append(cams, cam)
		}
		return false, nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("listing cameras")
	}
	return cams
}

// reapRemovedCameras tears down runtime state whose camera dropped out
// of the listing (tombstoned or gone): the live transcoder is terminated,
// an open episode is closed as failed and a held processing slot is
// killed and released. Caller holds s.mu.
func (s *Supervisor) reapRemovedCameras(active map[string]bool) {
	for key, rt := range s.cams {
		if active[key] {
			continue
		}
		// A spawn or poll goroutine still owns part of this runtime;
		// retry on the next tick.
		if rt.streamStarting || rt.motionInFlight {
			continue
		}
		s.log.Info().Str("camera", key).Msg("camera removed, tearing down runtime")
		if rt.stream != nil && rt.stream.Running() {
			proc.Terminate(rt.stream, killEscalation)
		}
		if rt.currentMovementKey != "" {
			var ev model.MotionEvent
			if err := s.st.Motion().Get(rt.currentMovementKey, &ev); err == nil {
				ev.Key = rt.currentMovementKey
				if ev.DetectionEndedAt == 0 {
					ev.DetectionEndedAt = s.clock.Now().UnixMilli()
				}
				if !ev.Terminal() {
					s.failMovement(&ev, "Camera removed")
				}
			}
		}
		if rt.slot != nil {
			if rt.slot.process != nil && rt.slot.process.Running() {
				proc.Terminate(rt.slot.process, killEscalation)
			}
			var ev model.MotionEvent
			if err := s.st.Motion().Get(rt.slot.movementKey, &ev); err == nil && !ev.Terminal() {
				ev.Key = rt.slot.movementKey
				s.failMovement(&ev, "Camera removed")
			}
			s.releaseSlot(key, rt)
		}
		delete(s.cams, key)
	}
}

// Shutdown terminates every spawned child with timeout escalation and
// waits for in-flight motion finalization to complete.
func (s *Supervisor) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Msg("shutting down")

	s.mu.Lock()
	var children []proc.Process
	for _, rt := range s.cams {
		if rt.stream != nil && rt.stream.Running() {
			children = append(children, rt.stream)
		}
		if rt.slot != nil && rt.slot.process != nil && rt.slot.process.Running() {
			rt.slot.gracefulKill = true
			children = append(children, rt.slot.process)
		}
	}
	if s.detector.process != nil && s.detector.process.Running() {
		children = append(children, s.detector.process)
	}
	s.mu.Unlock()

	for _, child := range children {
		proc.Terminate(child, shutdownEscalation)
	}

	done := make(chan struct{})
	go func() {
		s.closeHandlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		s.log.Warn().Msg("shutdown drain timed out")
	}
}

// BusyMovementKeys reports the motion keys the disk-cleanup loop must not
// collect: open episodes and records holding a processing slot.
func (s *Supervisor) BusyMovementKeys() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[string]bool)
	for _, rt := range s.cams {
		if rt.currentMovementKey != "" {
			busy[rt.currentMovementKey] = true
		}
		if rt.slot != nil {
			busy[rt.slot.movementKey] = true
		}
	}
	return busy
}

// CameraStatus is a point-in-time snapshot of a camera's runtime state,
// served by the HTTP layer.
type CameraStatus struct {
	CameraKey       string `json:"cameraKey"`
	StreamRunning   bool   `json:"streamRunning"`
	StreamConfirmed bool   `json:"streamConfirmed"`
	MotionStatus    string `json:"motionStatus,omitempty"`
	OpenMovementKey string `json:"openMovementKey,omitempty"`
	ProcessingKey   string `json:"processingKey,omitempty"`
}

// Status reports runtime state for every known camera.
func (s *Supervisor) Status() []CameraStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CameraStatus, 0, len(s.cams))
	for key, rt := range s.cams {
		st := CameraStatus{
			CameraKey:       key,
			StreamRunning:   rt.stream != nil && rt.stream.Running(),
			StreamConfirmed: rt.streamConfirmed,
			MotionStatus:    rt.motionStatus,
			OpenMovementKey: rt.currentMovementKey,
		}
		if rt.slot != nil {
			st.ProcessingKey = rt.slot.movementKey
		}
		out = append(out, st)
	}
	return out
}
