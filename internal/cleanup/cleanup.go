// Package cleanup reclaims disk space: when usage of the recording volume
// crosses the configured capacity, the oldest finalized motion records are
// garbage-collected together with their playlists and extracted frames.
package cleanup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"

	"nvrd/internal/metrics"
	"nvrd/internal/model"
	"nvrd/internal/store"
)

// UsageFunc reports the used fraction (percent) of the volume holding
// path. Production uses gopsutil; tests substitute a stub.
type UsageFunc func(path string) (float64, error)

// GopsutilUsage is the production UsageFunc.
func GopsutilUsage(path string) (float64, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

// Loop owns the periodic reclaim pass.
type Loop struct {
	st    *store.Store
	log   zerolog.Logger
	met   *metrics.Metrics
	usage UsageFunc

	// Busy reports movement keys that must not be collected (open
	// episodes and records holding a processing slot).
	Busy func() map[string]bool
}

// New builds a cleanup loop.
func New(st *store.Store, log zerolog.Logger, met *metrics.Metrics, usage UsageFunc, busy func() map[string]bool) *Loop {
	if usage == nil {
		usage = GopsutilUsage
	}
	if busy == nil {
		busy = func() map[string]bool { return nil }
	}
	return &Loop{st: st, log: log, met: met, usage: usage, Busy: busy}
}

// Run executes a pass every settings.disk_cleanup_interval seconds until
// the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		interval := time.Duration(l.settings().DiskCleanupInterval) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			l.Pass()
		}
	}
}

func (l *Loop) settings() *model.Settings {
	var set model.Settings
	if err := l.st.Settings().Get("settings", &set); err != nil {
		if err != store.ErrNotFound {
			l.log.Error().Err(err).Msg("loading settings for cleanup")
		}
		set = model.DefaultSettings()
		return &set
	}
	set.ApplyDefaults()
	return &set
}

// Pass runs one reclaim cycle. Records are collected oldest-first until
// usage drops under the capacity threshold.
func (l *Loop) Pass() {
	set := l.settings()
	if set.DiskBaseDir == "" {
		return
	}
	used, err := l.usage(set.DiskBaseDir)
	if err != nil {
		l.log.Warn().Err(err).Str("dir", set.DiskBaseDir).Msg("reading disk usage")
		return
	}
	l.met.DiskUsedPercent.Set(used)
	if used < set.DiskCleanupCapacity {
		return
	}
	l.log.Info().Float64("used", used).Float64("capacity", set.DiskCleanupCapacity).Msg("disk over capacity, collecting old motion records")

	busy := l.Busy()
	var doomed []string
	err = l.st.Motion().Ascend(store.Bounds{}, func(key string, value []byte) (bool, error) {
		if busy[key] {
			return false, nil
		}
		var ev model.MotionEvent
		if uerr := unmarshal(value, &ev); uerr != nil {
			doomed = append(doomed, key)
			return false, nil
		}
		if !ev.Terminal() {
			return false, nil
		}
		l.removeArtifacts(key, &ev)
		doomed = append(doomed, key)

		// Re-check usage periodically so we only delete what we must.
		if len(doomed)%25 == 0 {
			if used, uerr := l.usage(set.DiskBaseDir); uerr == nil && used < set.DiskCleanupCapacity {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		l.log.Error().Err(err).Msg("scanning motion records for cleanup")
	}
	if len(doomed) == 0 {
		return
	}
	if err := l.st.Motion().DeleteBatch(doomed); err != nil {
		l.log.Error().Err(err).Msg("deleting motion records")
		return
	}
	l.log.Info().Int("records", len(doomed)).Msg("motion records collected")
}

// removeArtifacts deletes the bounded playlist and extracted frames of a
// motion record. Missing files are fine; segments belong to the sliding
// live window and are rotated by the transcoder itself.
func (l *Loop) removeArtifacts(key string, ev *model.MotionEvent) {
	if ev.PlaylistPath == "" {
		return
	}
	dir := filepath.Dir(ev.PlaylistPath)
	frames, _ := filepath.Glob(filepath.Join(dir, "mov"+key+"_*.jpg"))
	for _, frame := range frames {
		if err := os.Remove(frame); err != nil && !os.IsNotExist(err) {
			l.log.Debug().Err(err).Str("frame", frame).Msg("removing frame")
		}
	}
	if err := os.Remove(ev.PlaylistPath); err != nil && !os.IsNotExist(err) {
		l.log.Debug().Err(err).Str("playlist", ev.PlaylistPath).Msg("removing playlist")
	}
}

func unmarshal(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
