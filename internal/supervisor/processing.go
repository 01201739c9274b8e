package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"nvrd/internal/hls"
	"nvrd/internal/model"
	"nvrd/internal/proc"
	"nvrd/internal/push"
	"nvrd/internal/store"
)

var progressFrameRe = regexp.MustCompile(`^frame=\s*(\d+)`)

// processingSlot is the per-camera mutual-exclusion record for one running
// frame extraction.
type processingSlot struct {
	movementKey    string
	startedAt      time.Time
	process        proc.Process
	placeholder    bool
	killedAt       time.Time
	gracefulKill   bool
	ffmpegExited   bool
	ffmpegExitedAt time.Time
	exitCode       int
	exitSignal     string
	firstStderr    string

	totalFrames          int
	framesSentToML       int
	framesReceivedFromML int
	mlTotalMS            int64
	mlMaxMS              int64

	finalized            bool
	released             bool
	onAllFramesProcessed func()
}

// runProcessing is the pointer-driven work queue for one camera: claim the
// first pending motion record past the processing pointer and extract its
// frames. At most one extractor per camera; cameras run in parallel.
func (s *Supervisor) runProcessing(cam *model.Camera, set *model.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := s.rt(cam.Key)
	if rt.slot != nil {
		s.superviseSlot(cam, rt)
		return
	}
	if s.shuttingDown.Load() {
		return
	}

	ev := s.claimPending(cam)
	if ev == nil {
		return
	}

	now := s.clock.Now()
	rt.slot = &processingSlot{movementKey: ev.Key, startedAt: now, placeholder: true}
	s.closeHandlers.Add(1)
	s.met.ProcessingSlots.Inc()

	ev.ProcessingState = model.ProcessingProcessing
	ev.ProcessingStartedAt = now.UnixMilli()
	ev.DetectionStatus = model.DetectionExtracting
	if err := s.st.Motion().Put(ev.Key, ev); err != nil {
		s.log.Error().Err(err).Str("movement", ev.Key).Msg("marking record processing")
		s.releaseSlot(cam.Key, rt)
		return
	}
	s.sink.Broadcast(push.EventMovementUpdate, ev)

	framesPath := s.framesPath(cam, set)
	p, err := s.spawnExtractor(cam, ev, framesPath)
	if err != nil {
		s.log.Error().Err(err).Str("movement", ev.Key).Msg("spawning extractor")
		s.failMovement(ev, "Failed to start extractor: "+redact(err.Error(), cam))
		s.advancePointer(cam.Key, ev.Key)
		s.releaseSlot(cam.Key, rt)
		return
	}
	rt.slot.process = p
	rt.slot.placeholder = false
	s.log.Info().Str("camera", cam.Key).Str("movement", ev.Key).Int("pid", p.PID()).Msg("frame extraction started")
}

// superviseSlot progresses a held slot: orphan release after a kill that
// never exited, timeout kill past the wall-time cap, otherwise leave the
// extractor working. Caller holds s.mu.
func (s *Supervisor) superviseSlot(cam *model.Camera, rt *cameraRuntime) {
	slot := rt.slot
	now := s.clock.Now()

	if !slot.killedAt.IsZero() {
		if now.Sub(slot.killedAt) > orphanSlotTimeout {
			s.log.Warn().Str("camera", cam.Key).Str("movement", slot.movementKey).Msg("abandoning unresponsive extractor")
			s.releaseSlot(cam.Key, rt)
		}
		return
	}

	slotCap := time.Duration(cam.SecMaxSingleMovement+60) * time.Second
	if slotCap < minSlotCap {
		slotCap = minSlotCap
	}
	if now.Sub(slot.startedAt) > slotCap {
		s.log.Warn().Str("camera", cam.Key).Str("movement", slot.movementKey).Msg("extractor exceeded processing cap, killing")
		if slot.process != nil {
			proc.Terminate(slot.process, killEscalation)
		}
		var ev model.MotionEvent
		if err := s.st.Motion().Get(slot.movementKey, &ev); err == nil && !ev.Terminal() {
			s.failMovement(&ev, fmt.Sprintf("Processing timed out after %s", slotCap))
			slot.finalized = true
		}
		slot.killedAt = now
	}
}

// claimPending scans motion records strictly past the camera's processing
// pointer for the first workable pending record. Records whose playlist
// was lost to disk cleanup are failed in place and the scan continues.
// Caller holds s.mu.
func (s *Supervisor) claimPending(cam *model.Camera) *model.MotionEvent {
	var claimed *model.MotionEvent
	err := s.st.Motion().Ascend(store.Bounds{GT: cam.LastProcessedMovementKey}, func(key string, value []byte) (bool, error) {
		var ev model.MotionEvent
		if err := unmarshal(value, &ev); err != nil {
			return false, nil
		}
		ev.Key = key
		if ev.CameraKey != cam.Key {
			return false, nil
		}
		// A processing record with no live slot is an orphan from a
		// crashed finalize; reclaim it like pending work.
		if ev.ProcessingState != model.ProcessingPending && ev.ProcessingState != model.ProcessingProcessing {
			return false, nil
		}
		if ev.PlaylistPath == "" {
			return false, nil
		}
		if reason := workable(&ev); reason != "" {
			s.failMovement(&ev, reason)
			return false, nil
		}
		claimed = &ev
		return true, nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("scanning pending motion records")
	}
	return claimed
}

// workable verifies the bounded playlist still points at real segments.
// Returns a failure reason, or "" when the record can be processed.
func workable(ev *model.MotionEvent) string {
	if _, err := os.Stat(ev.PlaylistPath); err != nil {
		return "Playlist file missing"
	}
	refs, err := hls.SegmentRefs(ev.PlaylistPath)
	if err != nil || len(refs) == 0 {
		return "Playlist has no segments"
	}
	if _, err := os.Stat(refs[0]); err != nil {
		return "Segment files deleted by disk cleanup"
	}
	return ""
}

// failMovement writes a terminal failed state onto a motion record.
// Caller holds s.mu.
func (s *Supervisor) failMovement(ev *model.MotionEvent, reason string) {
	ev.ProcessingState = model.ProcessingFailed
	ev.ProcessingError = reason
	ev.ProcessingCompletedAt = s.clock.Now().UnixMilli()
	ev.DetectionStatus = model.DetectionFailed
	if err := s.st.Motion().Put(ev.Key, ev); err != nil {
		s.log.Error().Err(err).Str("movement", ev.Key).Msg("marking record failed")
		return
	}
	s.log.Info().Str("movement", ev.Key).Str("reason", reason).Msg("motion record failed")
	s.sink.Broadcast(push.EventMovementUpdate, ev)
}

// spawnExtractor launches ffmpeg over the bounded playlist: 2 fps, scaled
// and letterboxed to 640×640 JPEGs, progress on stdout so frames can be
// streamed into the detector as they land.
func (s *Supervisor) spawnExtractor(cam *model.Camera, ev *model.MotionEvent, framesPath string) (proc.Process, error) {
	pattern := filepath.Join(framesPath, "mov"+ev.Key+"_%04d.jpg")
	readTimeoutUS := int64(cam.SecMaxSingleMovement+30) * 1_000_000
	maxDuration := cam.SecMaxSingleMovement + 60

	args := []string{
		"-f", "hls",
		"-live_start_index", "0",
		"-allowed_extensions", "ALL",
		"-rw_timeout", strconv.FormatInt(readTimeoutUS, 10),
		"-i", ev.PlaylistPath,
		"-an",
		"-t", strconv.Itoa(maxDuration),
		"-vf", "fps=2,scale=640:640:force_original_aspect_ratio=decrease,pad=640:640:(ow-iw)/2:(oh-ih)/2",
		"-q:v", "2",
		"-progress", "pipe:1",
		pattern,
	}

	camKey := cam.Key
	movementKey := ev.Key
	return s.runner.Spawn(proc.Spec{
		Name: "extract:" + camKey,
		Cmd:  "ffmpeg",
		Args: args,
		OnStdout: func(line string) {
			s.onExtractorProgress(camKey, movementKey, framesPath, line)
		},
		OnStderr: func(line string) {
			s.onExtractorStderr(camKey, movementKey, line)
		},
		OnClose: func(code int, signal string) {
			s.onExtractorClose(camKey, movementKey, code, signal)
		},
	})
}

// onExtractorProgress parses ffmpeg -progress output and pushes each newly
// produced frame into the detector.
func (s *Supervisor) onExtractorProgress(camKey, movementKey, framesPath, line string) {
	match := progressFrameRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	frames, err := strconv.Atoi(match[1])
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.rt(camKey)
	slot := rt.slot
	if slot == nil || slot.movementKey != movementKey {
		return
	}
	for n := slot.totalFrames + 1; n <= frames; n++ {
		framePath := filepath.Join(framesPath, fmt.Sprintf("mov%s_%04d.jpg", movementKey, n))
		if s.sendFrameToDetector(framePath) {
			slot.framesSentToML++
		}
	}
	if frames > slot.totalFrames {
		slot.totalFrames = frames
	}
}

func (s *Supervisor) onExtractorStderr(camKey, movementKey, line string) {
	s.log.Debug().Str("camera", camKey).Str("extract", "ffmpeg").Msg(line)
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.rt(camKey)
	if rt.slot != nil && rt.slot.movementKey == movementKey && rt.slot.firstStderr == "" {
		rt.slot.firstStderr = line
	}
}

// onExtractorClose records the exit and installs the finalize closure; the
// closure fires from checkAndFinalize once all sent frames came back or
// the ML-result timeout expires.
func (s *Supervisor) onExtractorClose(camKey, movementKey string, code int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.rt(camKey)
	slot := rt.slot
	if slot == nil || slot.movementKey != movementKey {
		return
	}
	slot.ffmpegExited = true
	slot.ffmpegExitedAt = s.clock.Now()
	slot.exitCode = code
	slot.exitSignal = signal
	slot.onAllFramesProcessed = func() {
		s.finalizeMovement(camKey, rt, slot)
	}
	s.checkAndFinalize(camKey)
}

// checkAndFinalize fires the installed finalize closure once the extractor
// has exited and either every sent frame has been answered or the
// ML-result timeout has elapsed. Caller holds s.mu.
func (s *Supervisor) checkAndFinalize(camKey string) {
	rt := s.rt(camKey)
	slot := rt.slot
	if slot == nil || !slot.ffmpegExited || slot.onAllFramesProcessed == nil {
		return
	}
	drained := slot.framesSentToML == slot.framesReceivedFromML
	timedOut := s.clock.Now().Sub(slot.ffmpegExitedAt) > mlResultTimeout
	if !drained && !timedOut {
		return
	}
	if timedOut && !drained {
		s.log.Warn().Str("movement", slot.movementKey).
			Int("sent", slot.framesSentToML).Int("received", slot.framesReceivedFromML).
			Msg("finalizing with unanswered detector frames")
	}
	fn := slot.onAllFramesProcessed
	slot.onAllFramesProcessed = nil
	fn()
}

// finalizeMovement writes the single terminal record for an extraction,
// advances the camera's processing pointer and releases the slot.
// Caller holds s.mu.
func (s *Supervisor) finalizeMovement(camKey string, rt *cameraRuntime, slot *processingSlot) {
	defer s.releaseSlot(camKey, rt)

	var ev model.MotionEvent
	if err := s.st.Motion().Get(slot.movementKey, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", slot.movementKey).Msg("loading record for finalize")
		return
	}

	// The timeout path may have finalized the record already.
	if !slot.finalized && !ev.Terminal() {
		ok := slot.totalFrames > 0 && (slot.gracefulKill || slot.exitCode == 0)
		now := s.clock.Now().UnixMilli()
		if ok {
			ev.ProcessingState = model.ProcessingCompleted
			ev.DetectionStatus = model.DetectionComplete
		} else {
			ev.ProcessingState = model.ProcessingFailed
			ev.DetectionStatus = model.DetectionFailed
			ev.ProcessingError = extractionError(slot)
		}
		ev.ProcessingCompletedAt = now
		ev.FramesSentToML = slot.framesSentToML
		ev.FramesReceivedFromML = slot.framesReceivedFromML
		ev.MLTotalProcessingMS = slot.mlTotalMS
		ev.MLMaxProcessingMS = slot.mlMaxMS
		if err := s.st.Motion().Put(ev.Key, &ev); err != nil {
			s.log.Error().Err(err).Str("movement", ev.Key).Msg("finalizing motion record")
			return
		}
		s.log.Info().Str("movement", ev.Key).Str("state", ev.ProcessingState).
			Int("frames", slot.totalFrames).Msg("motion record finalized")
		s.sink.Broadcast(push.EventMovementUpdate, &ev)
	}

	s.advancePointer(camKey, slot.movementKey)
}

func extractionError(slot *processingSlot) string {
	if slot.firstStderr != "" {
		return slot.firstStderr
	}
	if slot.totalFrames == 0 {
		return "No frames extracted"
	}
	return fmt.Sprintf("ffmpeg exited with code %d", slot.exitCode)
}

// advancePointer moves the camera's processing pointer forward, never
// backward. Caller holds s.mu.
func (s *Supervisor) advancePointer(camKey, movementKey string) {
	var cam model.Camera
	if err := s.st.Cameras().Get(camKey, &cam); err != nil {
		s.log.Error().Err(err).Str("camera", camKey).Msg("loading camera for pointer advance")
		return
	}
	if movementKey <= cam.LastProcessedMovementKey {
		return
	}
	cam.LastProcessedMovementKey = movementKey
	if err := s.st.Cameras().Put(camKey, &cam); err != nil {
		s.log.Error().Err(err).Str("camera", camKey).Msg("advancing processing pointer")
	}
}

// releaseSlot frees the per-camera processing slot exactly once.
// Caller holds s.mu.
func (s *Supervisor) releaseSlot(camKey string, rt *cameraRuntime) {
	if rt.slot == nil || rt.slot.released {
		return
	}
	rt.slot.released = true
	rt.slot = nil
	s.met.ProcessingSlots.Dec()
	s.closeHandlers.Done()
}
