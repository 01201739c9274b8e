package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nvrd/internal/model"
	"nvrd/internal/proc"
)

func unmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }

// streamController keeps one live transcoder per streaming-enabled camera.
// Health is not judged here; confirmStream kills stalled children and the
// next tick lands back in the start branch.
func (s *Supervisor) streamController(cam *model.Camera, set *model.Settings) {
	s.mu.Lock()
	rt := s.rt(cam.Key)
	if rt.streamStarting {
		s.mu.Unlock()
		return
	}
	alive := rt.stream != nil && rt.stream.Running()

	if !cam.EnableStreaming {
		if alive {
			s.log.Info().Str("camera", cam.Key).Msg("streaming disabled, stopping transcoder")
			proc.Terminate(rt.stream, killEscalation)
			rt.stream = nil
			rt.streamConfirmed = false
		}
		s.mu.Unlock()
		return
	}
	if alive {
		s.mu.Unlock()
		return
	}
	rt.streamStarting = true
	s.mu.Unlock()

	started, startedAt := s.startStream(cam, set)

	s.mu.Lock()
	rt.streamStarting = false
	if started != nil {
		rt.stream = started
		rt.streamStartedAt = startedAt
		rt.streamConfirmed = false
		rt.lastStreamCheck = time.Time{}
		s.met.StreamRestarts.WithLabelValues(cam.Key).Inc()
	}
	s.mu.Unlock()
}

// startStream spawns the transcoder and waits for the manifest to become
// fresh. Returns nil when startup verification fails.
func (s *Supervisor) startStream(cam *model.Camera, set *model.Settings) (proc.Process, time.Time) {
	dir := cam.StreamDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("creating stream directory")
		return nil, time.Time{}
	}
	manifest := filepath.Join(dir, "stream.m3u8")
	now := s.clock.Now()

	camKey := cam.Key
	p, err := s.runner.Spawn(proc.Spec{
		Name: "stream:" + camKey,
		Cmd:  "ffmpeg",
		Args: streamArgs(cam, model.EpochSeconds(now), manifest),
		OnStderr: func(line string) {
			s.log.Debug().Str("camera", camKey).Str("stream", "ffmpeg").Msg(line)
		},
		OnClose: func(code int, signal string) {
			if code != 0 && signal == "" && !s.shuttingDown.Load() {
				s.log.Warn().Str("camera", camKey).Int("code", code).Msg("stream transcoder exited unexpectedly")
			}
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("camera", cam.Key).Msg("spawning stream transcoder")
		return nil, time.Time{}
	}

	maxWait := time.Duration(set.StreamVerifyTimeout) * time.Millisecond
	maxAge := 5 * time.Second
	if half := maxWait / 2; half < maxAge {
		maxAge = half
	}
	if err := proc.VerifyStartup(proc.VerifyOptions{
		Process:    p,
		OutputFile: manifest,
		MaxWait:    maxWait,
		MaxFileAge: maxAge,
	}); err != nil {
		s.log.Warn().Err(err).Str("camera", cam.Key).Msg("stream did not become ready")
		proc.Terminate(p, killEscalation)
		return nil, time.Time{}
	}

	s.log.Info().Str("camera", cam.Key).Int("pid", p.PID()).Msg("stream transcoder running")
	return p, s.clock.Now()
}

// streamArgs builds the RTSP→HLS (or file→HLS) transcoder command line:
// copy the video codec, 2 s segments, 5-segment sliding window, segment
// numbering anchored to the 2020-09-13 epoch.
func streamArgs(cam *model.Camera, startNumber int64, manifest string) []string {
	var args []string
	src := cam.RTSPSource()
	if cam.FileSource() {
		args = append(args, "-re")
		if filepath.Ext(src) != ".m3u8" {
			args = append(args, "-stream_loop", "-1")
		}
	} else {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-max_delay", "500000",
			"-reorder_queue_size", "500",
		)
	}
	args = append(args,
		"-i", src,
		"-c:v", "copy",
		"-an",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		"-start_number", fmt.Sprintf("%d", startNumber),
		manifest,
	)
	return args
}

// confirmStream is the periodic liveness probe of the HLS manifest. An
// empty or stale manifest kills the child; the cleared reference makes the
// controller respawn it on the next tick.
func (s *Supervisor) confirmStream(cam *model.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt := s.rt(cam.Key)
	if rt.stream == nil || !rt.stream.Running() {
		return
	}
	now := s.clock.Now()
	if !rt.lastStreamCheck.IsZero() && now.Sub(rt.lastStreamCheck) < streamCheckInterval {
		return
	}

	manifest := filepath.Join(cam.StreamDir(), "stream.m3u8")
	info, err := os.Stat(manifest)
	stalled := err != nil || info.Size() == 0 || now.Sub(info.ModTime()) > streamStallAge
	if stalled {
		s.log.Warn().Str("camera", cam.Key).Msg("stream output stalled, killing transcoder")
		proc.Terminate(rt.stream, killEscalation)
		rt.stream = nil
		rt.streamConfirmed = false
		return
	}

	rt.lastStreamCheck = now
	rt.streamConfirmed = true
	if rt.streamStartedAt.IsZero() {
		rt.streamStartedAt = now
	}
}
