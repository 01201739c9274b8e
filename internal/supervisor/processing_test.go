package supervisor

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvrd/internal/hls"
	"nvrd/internal/model"
	"nvrd/internal/push"
)

// addPendingEvent persists a closed, pending motion record whose bounded
// playlist points at real segment files.
func (h *harness) addPendingEvent(t *testing.T, cam *model.Camera, key string) *model.MotionEvent {
	t.Helper()
	streamDir := cam.StreamDir()
	playlist := filepath.Join(streamDir, "mov"+key+".m3u8")
	require.NoError(t, hls.WriteBounded(playlist, streamDir, 2.0, 10, 14))
	require.NoError(t, hls.Finalize(playlist))

	ev := &model.MotionEvent{
		Key:                 key,
		CameraKey:           cam.Key,
		StartDate:           h.clock.Now().UnixMilli(),
		ProcessingState:     model.ProcessingPending,
		PlaylistPath:        playlist,
		PlaylistLastSegment: 14,
		DetectionEndedAt:    h.clock.Now().UnixMilli(),
	}
	require.NoError(t, h.st.Motion().Put(key, ev))
	return ev
}

func processingHarness(t *testing.T, mutate func(*model.Camera)) (*harness, *model.Camera, *model.Settings) {
	t.Helper()
	h := newHarness(t)
	set := h.settings(t, nil)
	cam := h.addCamera(t, mutate)
	writeLiveManifest(t, cam, 10, 14)
	return h, cam, set
}

func (h *harness) slot(cam *model.Camera) *processingSlot {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.sup.rt(cam.Key).slot
}

func TestRunProcessingClaimsAndSpawns(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")

	h.sup.runProcessing(cam, set)

	p := h.runner.Last()
	require.NotNil(t, p)
	assert.Equal(t, "extract:C100", p.Spec.Name)
	assert.Equal(t, "ffmpeg", p.Spec.Cmd)
	assert.Contains(t, p.Spec.Args, ev.PlaylistPath)
	assert.Contains(t, p.Spec.Args, filepath.Join(cam.StreamDir(), "mov0000000000100_%04d.jpg"))

	slot := h.slot(cam)
	require.NotNil(t, slot)
	assert.Equal(t, ev.Key, slot.movementKey)

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingProcessing, got.ProcessingState)
	assert.Equal(t, model.DetectionExtracting, got.DetectionStatus)
	assert.NotZero(t, got.ProcessingStartedAt)
	assert.NotEmpty(t, h.sink.ByEvent(push.EventMovementUpdate))
}

func TestExtractorSuccessFinalizes(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.sup.runProcessing(cam, set)

	p := h.runner.Last()
	p.EmitStdout("frame=3")
	p.Exit(0, "")

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingCompleted, got.ProcessingState)
	assert.Equal(t, model.DetectionComplete, got.DetectionStatus)
	assert.NotZero(t, got.ProcessingCompletedAt)
	assert.Zero(t, got.FramesSentToML, "no detector running, frames dropped")

	assert.Nil(t, h.slot(cam))
	assert.Equal(t, ev.Key, h.camera(t, cam.Key).LastProcessedMovementKey)
}

func TestExtractorFailureKeepsFirstStderr(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.sup.runProcessing(cam, set)

	p := h.runner.Last()
	p.EmitStderr("Invalid data found when processing input")
	p.EmitStderr("second line")
	p.Exit(1, "")

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingState)
	assert.Equal(t, model.DetectionFailed, got.DetectionStatus)
	assert.Equal(t, "Invalid data found when processing input", got.ProcessingError)
	assert.Equal(t, ev.Key, h.camera(t, cam.Key).LastProcessedMovementKey)
	assert.Nil(t, h.slot(cam))
}

func TestExtractorCleanExitWithoutFramesFails(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.sup.runProcessing(cam, set)

	h.runner.Last().Exit(0, "")

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingState)
	assert.Equal(t, "No frames extracted", got.ProcessingError)
}

func TestClaimFailsUnworkableAndMovesOn(t *testing.T) {
	h, cam, set := processingHarness(t, nil)

	broken := &model.MotionEvent{
		Key:             "0000000000100",
		CameraKey:       cam.Key,
		ProcessingState: model.ProcessingPending,
		PlaylistPath:    filepath.Join(cam.StreamDir(), "gone.m3u8"),
	}
	require.NoError(t, h.st.Motion().Put(broken.Key, broken))
	good := h.addPendingEvent(t, cam, "0000000000200")

	h.sup.runProcessing(cam, set)

	assert.Equal(t, model.ProcessingFailed, h.motionEvent(t, broken.Key).ProcessingState)
	assert.Equal(t, "Playlist file missing", h.motionEvent(t, broken.Key).ProcessingError)
	assert.Equal(t, model.ProcessingProcessing, h.motionEvent(t, good.Key).ProcessingState)
	require.NotNil(t, h.slot(cam))
	assert.Equal(t, good.Key, h.slot(cam).movementKey)
}

func TestClaimRespectsPointer(t *testing.T) {
	h, cam, set := processingHarness(t, func(c *model.Camera) {
		c.LastProcessedMovementKey = "0000000000100"
	})
	h.addPendingEvent(t, cam, "0000000000100")
	newer := h.addPendingEvent(t, cam, "0000000000200")

	h.sup.runProcessing(cam, set)

	require.NotNil(t, h.slot(cam))
	assert.Equal(t, newer.Key, h.slot(cam).movementKey)
	assert.Equal(t, model.ProcessingPending, h.motionEvent(t, "0000000000100").ProcessingState)
}

func TestClaimIgnoresOtherCamerasAndTerminalRecords(t *testing.T) {
	h, cam, set := processingHarness(t, nil)

	other := &model.MotionEvent{Key: "0000000000100", CameraKey: "C999", ProcessingState: model.ProcessingPending, PlaylistPath: "/tmp/x.m3u8"}
	require.NoError(t, h.st.Motion().Put(other.Key, other))
	done := &model.MotionEvent{Key: "0000000000200", CameraKey: cam.Key, ProcessingState: model.ProcessingCompleted, PlaylistPath: "/tmp/x.m3u8"}
	require.NoError(t, h.st.Motion().Put(done.Key, done))

	h.sup.runProcessing(cam, set)
	assert.Nil(t, h.slot(cam))
	assert.Empty(t, h.runner.Spawned())
}

func TestClaimReclaimsOrphanedProcessingRecord(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")
	ev.ProcessingState = model.ProcessingProcessing
	require.NoError(t, h.st.Motion().Put(ev.Key, ev))

	h.sup.runProcessing(cam, set)

	require.NotNil(t, h.slot(cam))
	assert.Equal(t, ev.Key, h.slot(cam).movementKey)
}

func TestOneSlotPerCamera(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	h.addPendingEvent(t, cam, "0000000000100")
	h.addPendingEvent(t, cam, "0000000000200")

	h.sup.runProcessing(cam, set)
	h.sup.runProcessing(cam, set)

	assert.Len(t, h.runner.Spawned(), 1)
	assert.Equal(t, model.ProcessingPending, h.motionEvent(t, "0000000000200").ProcessingState)
}

func TestSlotTimeoutKillsAndReleases(t *testing.T) {
	h, cam, set := processingHarness(t, func(c *model.Camera) { c.SecMaxSingleMovement = 30 })
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.sup.runProcessing(cam, set)
	p := h.runner.Last()

	// max(90 s, 30+60 s) cap.
	h.clock.Advance(91 * time.Second)
	h.sup.runProcessing(cam, set)

	assert.True(t, p.Terminated())
	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingState)
	assert.Contains(t, got.ProcessingError, "Processing timed out")
	require.NotNil(t, h.slot(cam))

	// The kill never produced an exit; the slot is abandoned as an orphan.
	h.clock.Advance(orphanSlotTimeout + time.Second)
	h.sup.runProcessing(cam, set)
	assert.Nil(t, h.slot(cam))
}

func TestSlotTimeoutExitDoesNotOverwriteFailure(t *testing.T) {
	h, cam, set := processingHarness(t, func(c *model.Camera) { c.SecMaxSingleMovement = 30 })
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.sup.runProcessing(cam, set)
	p := h.runner.Last()

	h.clock.Advance(91 * time.Second)
	h.sup.runProcessing(cam, set)

	// The killed extractor exits late; the failed record must stand.
	p.EmitStdout("frame=5")
	p.Exit(-1, "terminated")

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingState)
	assert.Nil(t, h.slot(cam))
	assert.Equal(t, ev.Key, h.camera(t, cam.Key).LastProcessedMovementKey)
}

func TestSpawnErrorFailsRecord(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	ev := h.addPendingEvent(t, cam, "0000000000100")
	h.runner.SpawnErr = errors.New("exec: ffmpeg not found")

	h.sup.runProcessing(cam, set)

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingState)
	assert.Contains(t, got.ProcessingError, "Failed to start extractor")
	assert.Nil(t, h.slot(cam))
	assert.Equal(t, ev.Key, h.camera(t, cam.Key).LastProcessedMovementKey)
}

func TestNoClaimsDuringShutdown(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	h.addPendingEvent(t, cam, "0000000000100")
	h.sup.shuttingDown.Store(true)

	h.sup.runProcessing(cam, set)
	assert.Nil(t, h.slot(cam))
	assert.Empty(t, h.runner.Spawned())
}

func TestFinalizeWaitsForDetectorThenTimesOut(t *testing.T) {
	h, cam, set := processingHarness(t, nil)
	h.settings(t, func(s *model.Settings) { s.DetectionEnabled = true; s.DetectionModel = "stub" })
	ev := h.addPendingEvent(t, cam, "0000000000100")

	h.sup.mu.Lock()
	h.sup.detectorLifecycle(h.sup.loadSettings())
	h.sup.mu.Unlock()
	detector := h.runner.Last()
	require.Equal(t, "detector", detector.Spec.Name)

	h.sup.runProcessing(cam, set)
	extractor := h.runner.Last()
	extractor.EmitStdout("frame=2")
	extractor.Exit(0, "")

	// Two frames are in flight at the detector; finalization must wait.
	assert.Equal(t, model.ProcessingProcessing, h.motionEvent(t, ev.Key).ProcessingState)
	assert.Len(t, detector.StdinLines(), 2)

	h.clock.Advance(mlResultTimeout + time.Second)
	h.sup.mu.Lock()
	h.sup.checkAndFinalize(cam.Key)
	h.sup.mu.Unlock()

	got := h.motionEvent(t, ev.Key)
	assert.Equal(t, model.ProcessingCompleted, got.ProcessingState)
	assert.Equal(t, 2, got.FramesSentToML)
	assert.Zero(t, got.FramesReceivedFromML)
	assert.Nil(t, h.slot(cam))
}
