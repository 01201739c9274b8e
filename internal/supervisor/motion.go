package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nvrd/internal/hls"
	"nvrd/internal/model"
	"nvrd/internal/push"
	"nvrd/internal/store"
)

// motionEnvelope is the camera motion API response: an array whose first
// element carries value.state, or a bare error object.
type motionEnvelope struct {
	Value *struct {
		State int `json:"state"`
	} `json:"value"`
	Error json.RawMessage `json:"error"`
}

// errMotionAPI marks an error object returned by the camera itself, which
// arms the longer backoff.
type errMotionAPI struct{ detail string }

func (e *errMotionAPI) Error() string { return "camera API returned error: " + e.detail }

// maybePollMotion fires one motion poll for the camera when all entry
// criteria hold: movement enabled, stream alive and confirmed, startup
// delay elapsed, poll interval elapsed, no poll in flight, not backing off.
func (s *Supervisor) maybePollMotion(cam *model.Camera, set *model.Settings) {
	s.mu.Lock()
	rt := s.rt(cam.Key)
	now := s.clock.Now()
	ready := cam.EnableMovement &&
		rt.stream != nil && rt.stream.Running() &&
		rt.streamConfirmed &&
		!rt.motionInFlight &&
		now.After(rt.motionCheckAfter) &&
		now.Sub(rt.streamStartedAt) >= time.Duration(cam.SecMovementStartupDelay)*time.Second &&
		(rt.motionLastPoll.IsZero() || now.Sub(rt.motionLastPoll) >= time.Duration(cam.MSPollFrequency)*time.Millisecond)
	if !ready {
		s.mu.Unlock()
		return
	}
	rt.motionInFlight = true
	rt.motionLastPoll = now
	s.mu.Unlock()

	go s.pollMotion(cam, set)
}

// pollMotion performs one motion-API poll and advances the camera's motion
// episode state machine. Any failure records a redacted message on the
// camera status and arms the circuit breaker.
func (s *Supervisor) pollMotion(cam *model.Camera, set *model.Settings) {
	defer func() {
		s.mu.Lock()
		s.rt(cam.Key).motionInFlight = false
		s.mu.Unlock()
	}()

	state, err := s.fetchMotionState(cam)
	if err != nil {
		backoff := apiErrorBackoff
		if _, returned := err.(*errMotionAPI); returned {
			backoff = apiReturnedBackoff
		}
		msg := redact(err.Error(), cam)
		s.log.Warn().Str("camera", cam.Key).Str("error", msg).Msg("motion poll failed")
		s.mu.Lock()
		rt := s.rt(cam.Key)
		rt.motionStatus = msg
		rt.motionFail = true
		rt.motionCheckAfter = s.clock.Now().Add(backoff)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.rt(cam.Key)
	rt.motionFail = false
	s.deriveOpenMovement(cam, rt)

	switch {
	case state == 1 && rt.currentMovementKey == "":
		s.openMovement(cam, set, rt)
	case state == 1:
		s.extendMovement(cam, rt)
	case rt.currentMovementKey != "":
		s.quietPoll(cam, rt)
	default:
		rt.motionStatus = "No movement"
	}
}

func (s *Supervisor) fetchMotionState(cam *model.Camera) (int, error) {
	req, err := http.NewRequest(http.MethodGet, cam.MotionEndpoint(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("motion API returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}

	var arr []motionEnvelope
	if err := json.Unmarshal(body, &arr); err != nil {
		var single motionEnvelope
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return 0, fmt.Errorf("parsing motion response: %w", err)
		}
		arr = []motionEnvelope{single}
	}
	if len(arr) == 0 {
		return 0, fmt.Errorf("empty motion response")
	}
	env := arr[0]
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return 0, &errMotionAPI{detail: string(env.Error)}
	}
	if env.Value == nil {
		return 0, fmt.Errorf("motion response missing value.state")
	}
	return env.Value.State, nil
}

// deriveOpenMovement re-derives the in-memory open-episode key from the
// store after a supervisor restart. Caller holds s.mu.
func (s *Supervisor) deriveOpenMovement(cam *model.Camera, rt *cameraRuntime) {
	if rt.movementDerived {
		return
	}
	rt.movementDerived = true
	_ = s.st.Motion().Descend(store.Bounds{}, func(key string, value []byte) (bool, error) {
		var ev model.MotionEvent
		if err := unmarshal(value, &ev); err != nil {
			return false, nil
		}
		if ev.CameraKey != cam.Key {
			return false, nil
		}
		if ev.Open() {
			rt.currentMovementKey = key
		}
		// Latest record for this camera decides either way.
		return true, nil
	})
}

// openMovement starts a new motion episode: derive the starting segment
// from the live manifest, write the bounded playlist, persist the record.
// Caller holds s.mu.
func (s *Supervisor) openMovement(cam *model.Camera, set *model.Settings, rt *cameraRuntime) {
	streamDir := cam.StreamDir()
	live, err := hls.ReadLiveManifest(filepath.Join(streamDir, "stream.m3u8"))
	if err != nil || live.LastSegment() < 0 {
		rt.motionStatus = "Movement detected but live manifest unreadable"
		if err != nil {
			s.log.Warn().Str("camera", cam.Key).Err(err).Msg("cannot open motion episode")
		}
		return
	}

	now := s.clock.Now()
	key := model.MotionKey(now)
	lookBack := int(math.Ceil(float64(cam.MSPollFrequency) / (live.TargetDuration * 1000)))
	startSegment := live.LastSegment() - lookBack
	if startSegment < 0 {
		startSegment = 0
	}

	framesPath := s.framesPath(cam, set)
	if err := os.MkdirAll(framesPath, 0o755); err != nil {
		rt.motionStatus = redact(err.Error(), cam)
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("creating frames path")
		return
	}
	playlist := filepath.Join(framesPath, "mov"+key+".m3u8")
	if err := hls.WriteBounded(playlist, streamDir, live.TargetDuration, startSegment, live.LastSegment()); err != nil {
		rt.motionStatus = redact(err.Error(), cam)
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("writing motion playlist")
		return
	}

	ev := model.MotionEvent{
		Key:                 key,
		CameraKey:           cam.Key,
		StartDate:           now.UnixMilli(),
		StartSegment:        startSegment,
		LHSSegDurationSeq:   live.TargetDuration,
		PlaylistPath:        playlist,
		PlaylistLastSegment: live.LastSegment(),
		ProcessingState:     model.ProcessingPending,
		DetectionStatus:     model.DetectionStarting,
		DetectionStartedAt:  now.UnixMilli(),
	}
	if err := s.st.Motion().Put(key, &ev); err != nil {
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("persisting motion record")
		return
	}

	rt.currentMovementKey = key
	rt.motionStatus = "Movement in progress"
	s.met.MotionEpisodes.WithLabelValues(cam.Key).Inc()
	s.log.Info().Str("camera", cam.Key).Str("movement", key).Int("startSegment", startSegment).Msg("motion episode opened")
	s.sink.Broadcast(push.EventMovementNew, &ev)
}

// extendMovement appends fresh live segments to the episode playlist and
// updates the record, closing the episode when it outlives the cap.
// Caller holds s.mu.
func (s *Supervisor) extendMovement(cam *model.Camera, rt *cameraRuntime) {
	key := rt.currentMovementKey
	var ev model.MotionEvent
	if err := s.st.Motion().Get(key, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", key).Msg("loading open motion record")
		rt.currentMovementKey = ""
		return
	}

	now := s.clock.Now()
	elapsed := float64(now.UnixMilli()-ev.StartDate) / 1000

	streamDir := cam.StreamDir()
	if live, err := hls.ReadLiveManifest(filepath.Join(streamDir, "stream.m3u8")); err == nil {
		if last := live.LastSegment(); last > ev.PlaylistLastSegment {
			if err := hls.AppendSegments(ev.PlaylistPath, streamDir, ev.LHSSegDurationSeq, ev.PlaylistLastSegment, last); err != nil {
				s.log.Warn().Err(err).Str("movement", key).Msg("appending playlist segments")
			} else {
				ev.PlaylistLastSegment = last
			}
		}
	}

	if elapsed > float64(cam.SecMaxSingleMovement) {
		s.closeMovement(cam, rt, &ev, elapsed)
		return
	}

	ev.Seconds = elapsed
	ev.PollCount++
	ev.ConsecutivePollsWithoutMovement = 0
	if err := s.st.Motion().Put(key, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", key).Msg("updating motion record")
		return
	}
	rt.motionStatus = "Movement in progress"
	s.sink.Broadcast(push.EventMovementUpdate, &ev)
}

// quietPoll counts a no-motion poll against the open episode and closes it
// once the configured quiet streak (or the episode cap) is reached.
// Caller holds s.mu.
func (s *Supervisor) quietPoll(cam *model.Camera, rt *cameraRuntime) {
	key := rt.currentMovementKey
	var ev model.MotionEvent
	if err := s.st.Motion().Get(key, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", key).Msg("loading open motion record")
		rt.currentMovementKey = ""
		return
	}

	now := s.clock.Now()
	elapsed := float64(now.UnixMilli()-ev.StartDate) / 1000
	ev.ConsecutivePollsWithoutMovement++

	end := cam.PollsWithoutMovement == 0 ||
		ev.ConsecutivePollsWithoutMovement >= cam.PollsWithoutMovement ||
		elapsed > float64(cam.SecMaxSingleMovement)
	if end {
		s.closeMovement(cam, rt, &ev, elapsed)
		return
	}

	ev.Seconds = elapsed
	if err := s.st.Motion().Put(key, &ev); err != nil {
		s.log.Error().Err(err).Str("movement", key).Msg("updating motion record")
	}
}

// closeMovement finalizes the episode on the detection side: ENDLIST the
// playlist, stamp detection_ended_at, clear the in-memory key. The record
// stays processing_state=pending for the processing supervisor.
// Caller holds s.mu.
func (s *Supervisor) closeMovement(cam *model.Camera, rt *cameraRuntime, ev *model.MotionEvent, elapsed float64) {
	if ev.PlaylistPath != "" {
		if err := hls.Finalize(ev.PlaylistPath); err != nil {
			s.log.Warn().Err(err).Str("movement", ev.Key).Msg("finalizing playlist")
		}
	}
	ev.Seconds = elapsed
	ev.DetectionEndedAt = s.clock.Now().UnixMilli()
	if err := s.st.Motion().Put(ev.Key, ev); err != nil {
		s.log.Error().Err(err).Str("movement", ev.Key).Msg("closing motion record")
		return
	}
	rt.currentMovementKey = ""
	rt.motionStatus = "No movement"
	s.log.Info().Str("camera", cam.Key).Str("movement", ev.Key).Float64("seconds", elapsed).Msg("motion episode closed")
	s.sink.Broadcast(push.EventMovementComplete, ev)
}

// framesPath resolves where extracted frames and bounded playlists live
// for a camera.
func (s *Supervisor) framesPath(cam *model.Camera, set *model.Settings) string {
	if set.DetectionFramesPath != "" {
		return filepath.Join(set.DiskBaseDir, set.DetectionFramesPath)
	}
	return cam.StreamDir()
}

// redact strips camera credentials and address from a message before it is
// stored or logged.
func redact(msg string, cam *model.Camera) string {
	if cam.Passwd != "" {
		msg = strings.ReplaceAll(msg, cam.Passwd, "***")
	}
	if cam.IP != "" {
		msg = strings.ReplaceAll(msg, cam.IP, "***")
	}
	return msg
}
