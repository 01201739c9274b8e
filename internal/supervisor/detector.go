package supervisor

import (
	"encoding/json"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"nvrd/internal/model"
	"nvrd/internal/proc"
	"nvrd/internal/push"
)

var movementKeyRe = regexp.MustCompile(`mov(\d+)_`)

// detectorRuntime is the singleton detection worker's in-memory state.
type detectorRuntime struct {
	process         proc.Process
	startedAt       time.Time
	restartPending  bool
	scheduledKill   bool
	lastRestartDate string

	// frameSent maps frame paths written to the worker's stdin to their
	// send time; entries are cleared when the result line arrives.
	frameSent map[string]time.Time
	// pendingUpdates serializes result merges per movement key.
	pendingUpdates map[string]int
}

// detectionResult is one stdout line of the detection worker.
type detectionResult struct {
	Image      string `json:"image"`
	Detections []struct {
		Object      string    `json:"object"`
		Probability float64   `json:"probability"`
		Box         []float64 `json:"box"`
	} `json:"detections"`
	Error string `json:"error,omitempty"`
}

// detectorLifecycle reconciles the shared detection worker with settings:
// kill when disabled, spawn when missing, drain and restart on schedule.
// Caller holds s.mu.
func (s *Supervisor) detectorLifecycle(set *model.Settings) {
	d := &s.detector
	alive := d.process != nil && d.process.Running()

	if !set.DetectionEnabled {
		if alive {
			s.log.Info().Msg("detection disabled, stopping worker")
			proc.Terminate(d.process, shutdownEscalation)
			d.process = nil
		}
		return
	}

	if !alive {
		s.spawnDetector(set)
		return
	}

	if d.restartPending {
		// Frames the worker never answered must not hold the drain open.
		now := s.clock.Now()
		for frame, sentAt := range d.frameSent {
			if now.Sub(sentAt) > mlResultTimeout {
				s.log.Debug().Str("frame", frame).Msg("expiring unanswered frame during drain")
				delete(d.frameSent, frame)
			}
		}
		if len(d.frameSent) == 0 {
			s.log.Info().Msg("detector drained, killing for scheduled restart")
			d.scheduledKill = true
			_ = d.process.CloseStdin()
			proc.Terminate(d.process, shutdownEscalation)
		}
		return
	}

	if s.restartDue(set) {
		s.log.Info().Str("schedule", set.MLRestartSchedule).Msg("scheduled detector restart pending, draining")
		d.restartPending = true
	}
}

// restartDue reports whether the daily restart window is open and has not
// fired today. Caller holds s.mu.
func (s *Supervisor) restartDue(set *model.Settings) bool {
	if set.MLRestartSchedule == "" {
		return false
	}
	now := s.clock.Now()
	today := now.Format("2006-01-02")
	if s.detector.lastRestartDate == today {
		return false
	}
	at, err := time.Parse("15:04", set.MLRestartSchedule)
	if err != nil {
		s.log.Warn().Str("schedule", set.MLRestartSchedule).Msg("invalid ml restart schedule")
		return false
	}
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	return !now.Before(windowStart) && now.Sub(windowStart) <= restartWindow
}

// spawnDetector starts the worker from the detector directory with args
// derived from settings. Caller holds s.mu.
func (s *Supervisor) spawnDetector(set *model.Settings) {
	d := &s.detector
	args := []string{"detect.py"}
	if set.DetectionModel == "stub" {
		args = append(args, "--stub")
	} else {
		if set.DetectionModel != "" {
			args = append(args, "--model", set.DetectionModel)
		}
		if set.DetectionHardware != "" {
			args = append(args, "--device", set.DetectionHardware)
		}
	}

	p, err := s.runner.Spawn(proc.Spec{
		Name: "detector",
		Cmd:  "python3",
		Args: args,
		Dir:  s.detDir,
		OnStdout: func(line string) {
			s.handleDetectorLine(line)
		},
		OnStderr: func(line string) {
			s.log.Debug().Str("detector", "stderr").Msg(line)
		},
		OnError: func(err error) {
			s.log.Warn().Err(err).Msg("detector worker error")
		},
		OnClose: func(code int, signal string) {
			if code != 0 && signal == "" && !s.shuttingDown.Load() {
				s.log.Warn().Int("code", code).Msg("detector worker exited unexpectedly")
			}
			// Frames in flight to a dead worker will never be answered.
			s.mu.Lock()
			if len(s.detector.frameSent) > 0 {
				s.log.Debug().Int("frames", len(s.detector.frameSent)).Msg("discarding frames sent to dead detector")
				s.detector.frameSent = make(map[string]time.Time)
			}
			s.mu.Unlock()
		},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("spawning detector worker")
		return
	}

	now := s.clock.Now()
	if d.scheduledKill {
		d.lastRestartDate = now.Format("2006-01-02")
		d.scheduledKill = false
	}
	d.process = p
	d.startedAt = now
	d.restartPending = false
	s.met.DetectorRestarts.Inc()
	s.log.Info().Int("pid", p.PID()).Msg("detector worker running")
}

// sendFrameToDetector writes one frame path to the worker's stdin.
// Best-effort: a pending restart, a dead worker or a write error drops the
// frame. Caller holds s.mu.
func (s *Supervisor) sendFrameToDetector(framePath string) bool {
	d := &s.detector
	if d.restartPending {
		s.log.Debug().Str("frame", framePath).Msg("dropping frame, detector restart pending")
		return false
	}
	if d.process == nil || !d.process.Running() {
		s.log.Debug().Str("frame", framePath).Msg("dropping frame, detector not running")
		return false
	}
	if err := d.process.WriteStdin(framePath); err != nil {
		s.log.Debug().Err(err).Str("frame", framePath).Msg("dropping frame, detector stdin unwritable")
		return false
	}
	d.frameSent[framePath] = s.clock.Now()
	s.met.FramesSentToML.Inc()
	return true
}

// handleDetectorLine ingests one stdout line from the worker: correlate
// the frame back to its motion record via the key embedded in the
// filename, merge the detections and update the owning camera's slot.
func (s *Supervisor) handleDetectorLine(line string) {
	var res detectionResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		s.log.Debug().Str("line", line).Msg("ignoring non-JSON detector output")
		return
	}
	match := movementKeyRe.FindStringSubmatch(filepath.Base(res.Image))
	if match == nil {
		s.log.Debug().Str("image", res.Image).Msg("detector result without movement key")
		return
	}
	movementKey := match[1]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestResult(movementKey, &res)
}

// ingestResult merges a detector result, retrying in 50 ms when another
// merge for the same movement is pending. Caller holds s.mu.
func (s *Supervisor) ingestResult(movementKey string, res *detectionResult) {
	d := &s.detector
	if d.pendingUpdates[movementKey] > 0 {
		time.AfterFunc(mergeRetryDelay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.ingestResult(movementKey, res)
		})
		return
	}
	d.pendingUpdates[movementKey]++
	defer func() {
		d.pendingUpdates[movementKey]--
		if d.pendingUpdates[movementKey] <= 0 {
			delete(d.pendingUpdates, movementKey)
		}
	}()

	if res.Error != "" {
		s.log.Debug().Str("image", res.Image).Str("error", res.Error).Msg("detector reported frame error")
	} else {
		s.mergeDetections(movementKey, res)
	}

	s.met.FramesFromML.Inc()
	sentAt, tracked := d.frameSent[res.Image]
	delete(d.frameSent, res.Image)

	// Update the owning camera's slot stats and give finalization a chance.
	var ev model.MotionEvent
	if err := s.st.Motion().Get(movementKey, &ev); err != nil {
		return
	}
	rt, ok := s.cams[ev.CameraKey]
	if !ok || rt.slot == nil || rt.slot.movementKey != movementKey {
		return
	}
	rt.slot.framesReceivedFromML++
	if tracked {
		ms := s.clock.Now().Sub(sentAt).Milliseconds()
		rt.slot.mlTotalMS += ms
		if ms > rt.slot.mlMaxMS {
			rt.slot.mlMaxMS = ms
		}
	}
	s.checkAndFinalize(ev.CameraKey)
}

// mergeDetections folds one frame's detections into the motion record's
// tag aggregate. Per tag: count every detection, keep the highest
// probability and the frame that produced it. Caller holds s.mu.
func (s *Supervisor) mergeDetections(movementKey string, res *detectionResult) {
	var ev model.MotionEvent
	if err := s.st.Motion().Get(movementKey, &ev); err != nil {
		s.log.Debug().Str("movement", movementKey).Msg("detector result for unknown movement")
		return
	}

	set := s.loadSettings()
	imageName := filepath.Base(res.Image)

	if ev.DetectionOutput == nil {
		ev.DetectionOutput = &model.DetectionOutput{}
	}
	byTag := make(map[string]int, len(ev.DetectionOutput.Tags))
	for i, tag := range ev.DetectionOutput.Tags {
		byTag[tag.Tag] = i
	}

	for _, det := range res.Detections {
		if minProb, filtered := set.DetectionTagFilters[det.Object]; filtered && det.Probability < minProb {
			continue
		}
		p := math.Round(det.Probability*100) / 100
		idx, ok := byTag[det.Object]
		if !ok {
			ev.DetectionOutput.Tags = append(ev.DetectionOutput.Tags, model.DetectionTag{
				Tag:                 det.Object,
				MaxProbability:      p,
				Count:               1,
				MaxProbabilityImage: imageName,
			})
			byTag[det.Object] = len(ev.DetectionOutput.Tags) - 1
			continue
		}
		tag := &ev.DetectionOutput.Tags[idx]
		tag.Count++
		if p > tag.MaxProbability {
			tag.MaxProbability = p
			tag.MaxProbabilityImage = imageName
		}
	}

	sort.SliceStable(ev.DetectionOutput.Tags, func(i, j int) bool {
		return ev.DetectionOutput.Tags[i].MaxProbability > ev.DetectionOutput.Tags[j].MaxProbability
	})
	ev.DetectionStatus = ""

	if err := s.st.Motion().Put(movementKey, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", movementKey).Msg("writing merged detections")
		return
	}
	s.sink.Broadcast(push.EventMovementUpdate, &ev)
}
