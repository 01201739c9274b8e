// Package model holds the persisted record types and key conventions shared
// by the store, the supervisor and the HTTP layer.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Epoch2020 is the custom epoch (2020-09-13 00:00:00 UTC) used for camera
// keys and HLS segment start numbers.
var Epoch2020 = time.Date(2020, time.September, 13, 0, 0, 0, 0, time.UTC)

// EpochSeconds returns whole seconds elapsed since Epoch2020.
func EpochSeconds(t time.Time) int64 {
	return int64(t.Sub(Epoch2020) / time.Second)
}

// CameraKey builds a camera store key from a creation time.
func CameraKey(t time.Time) string {
	return fmt.Sprintf("C%d", EpochSeconds(t))
}

// MotionKey builds a motion store key from an episode start time. Keys are
// fixed-width millisecond timestamps so lexicographic order equals
// chronological order.
func MotionKey(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

// MotionKeyTime parses a motion key back into its start time.
func MotionKeyTime(key string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimLeft(key, "0"), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid motion key %q: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// Processing states of a motion event.
const (
	ProcessingPending    = "pending"
	ProcessingProcessing = "processing"
	ProcessingCompleted  = "completed"
	ProcessingFailed     = "failed"
)

// Detection statuses of a motion event.
const (
	DetectionStarting   = "starting"
	DetectionExtracting = "extracting"
	DetectionAnalyzing  = "analyzing"
	DetectionComplete   = "complete"
	DetectionFailed     = "failed"
)

// Camera is the declared desired state for one camera. Deletion is a
// tombstone: the record stays in the store with Deleted set.
type Camera struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Disk         string `json:"disk"`
	Folder       string `json:"folder"`
	StreamSource string `json:"streamSource,omitempty"`
	MotionURL    string `json:"motionUrl,omitempty"`
	IP           string `json:"ip,omitempty"`
	User         string `json:"user,omitempty"`
	Passwd       string `json:"passwd,omitempty"`

	EnableStreaming bool `json:"enable_streaming"`
	EnableMovement  bool `json:"enable_movement"`

	MSPollFrequency         int `json:"mSPollFrequency"`
	PollsWithoutMovement    int `json:"pollsWithoutMovement"`
	SecMaxSingleMovement    int `json:"secMaxSingleMovement"`
	SecMovementStartupDelay int `json:"secMovementStartupDelay"`

	PreSegments  int `json:"preSegments"`
	PostSegments int `json:"postSegments"`

	LastProcessedMovementKey string `json:"state_lastProcessedMovementKey"`
	Deleted                  bool   `json:"deleted,omitempty"`
}

// ApplyDefaults fills zero-valued tuning fields with the stock values.
func (c *Camera) ApplyDefaults() {
	if c.MSPollFrequency <= 0 {
		c.MSPollFrequency = 1000
	}
	if c.SecMaxSingleMovement <= 0 {
		c.SecMaxSingleMovement = 600
	}
}

// RTSPSource returns the declared stream source, falling back to the
// Reolink main-stream URL built from the camera credentials.
func (c *Camera) RTSPSource() string {
	if c.StreamSource != "" {
		return c.StreamSource
	}
	return fmt.Sprintf("rtsp://admin:%s@%s:554/h264Preview_01_main", c.Passwd, c.IP)
}

// FileSource reports whether the declared source selects file-source mode
// (anything that is not an rtsp:// URL).
func (c *Camera) FileSource() bool {
	return c.StreamSource != "" && !strings.HasPrefix(c.StreamSource, "rtsp://")
}

// MotionEndpoint returns the motion API URL, falling back to the
// Reolink-style GetMdState URL built from the camera credentials.
func (c *Camera) MotionEndpoint() string {
	if c.MotionURL != "" {
		return c.MotionURL
	}
	return fmt.Sprintf("http://%s/cgi-bin/api.cgi?cmd=GetMdState&channel=0&user=%s&password=%s",
		c.IP, c.User, c.Passwd)
}

// StreamDir is the directory holding the camera's live HLS output.
func (c *Camera) StreamDir() string {
	return strings.TrimRight(c.Disk, "/") + "/" + c.Folder
}

// Settings is the singleton configuration record.
type Settings struct {
	DiskBaseDir         string             `json:"disk_base_dir"`
	DiskCleanupInterval int                `json:"disk_cleanup_interval"`
	DiskCleanupCapacity float64            `json:"disk_cleanup_capacity"`
	DetectionEnabled    bool               `json:"detection_enabled"`
	DetectionModel      string             `json:"detection_model,omitempty"`
	DetectionHardware   string             `json:"detection_hardware,omitempty"`
	DetectionFramesPath string             `json:"detection_frames_path,omitempty"`
	StreamVerifyTimeout int                `json:"stream_verify_timeout_ms"`
	MLRestartSchedule   string             `json:"ml_restart_schedule,omitempty"`
	DetectionTagFilters map[string]float64 `json:"detection_tag_filters,omitempty"`
}

// ApplyDefaults fills zero-valued settings with the stock values. An
// empty MLRestartSchedule is left alone: it means the scheduled detector
// restart is disabled, not unset.
func (s *Settings) ApplyDefaults() {
	if s.DiskCleanupInterval <= 0 {
		s.DiskCleanupInterval = 60
	}
	if s.DiskCleanupCapacity <= 0 {
		s.DiskCleanupCapacity = 90
	}
	if s.StreamVerifyTimeout <= 0 {
		s.StreamVerifyTimeout = 10000
	}
}

// DefaultSettings is the configuration served before any settings record
// has been stored. Once a record exists its values win, including an
// empty restart schedule.
func DefaultSettings() Settings {
	set := Settings{MLRestartSchedule: "01:00"}
	set.ApplyDefaults()
	return set
}

// DetectionTag is one aggregated object class on a motion event.
type DetectionTag struct {
	Tag                 string  `json:"tag"`
	MaxProbability      float64 `json:"maxProbability"`
	Count               int     `json:"count"`
	MaxProbabilityImage string  `json:"maxProbabilityImage"`
}

// DetectionOutput aggregates per-frame detector results.
type DetectionOutput struct {
	Tags []DetectionTag `json:"tags"`
}

// MotionEvent is one motion episode. Keyed by MotionKey(startDate).
type MotionEvent struct {
	Key       string `json:"key"`
	CameraKey string `json:"cameraKey"`
	StartDate int64  `json:"startDate"`

	StartSegment      int     `json:"startSegment"`
	LHSSegDurationSeq float64 `json:"lhs_seg_duration_seq"`

	Seconds                         float64 `json:"seconds"`
	PollCount                       int     `json:"pollCount"`
	ConsecutivePollsWithoutMovement int     `json:"consecutivePollsWithoutMovement"`

	PlaylistPath        string `json:"playlist_path,omitempty"`
	PlaylistLastSegment int    `json:"playlist_last_segment"`

	ProcessingState       string `json:"processing_state"`
	ProcessingStartedAt   int64  `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt int64  `json:"processing_completed_at,omitempty"`
	ProcessingError       string `json:"processing_error,omitempty"`

	DetectionStatus    string `json:"detection_status,omitempty"`
	DetectionStartedAt int64  `json:"detection_started_at,omitempty"`
	DetectionEndedAt   int64  `json:"detection_ended_at,omitempty"`

	DetectionOutput *DetectionOutput `json:"detection_output,omitempty"`

	FramesSentToML       int   `json:"frames_sent_to_ml"`
	FramesReceivedFromML int   `json:"frames_received_from_ml"`
	MLTotalProcessingMS  int64 `json:"ml_total_processing_time_ms"`
	MLMaxProcessingMS    int64 `json:"ml_max_processing_time_ms"`
}

// Open reports whether the episode is still accumulating polls.
func (m *MotionEvent) Open() bool {
	return m.DetectionEndedAt == 0
}

// Terminal reports whether processing reached a final state.
func (m *MotionEvent) Terminal() bool {
	return m.ProcessingState == ProcessingCompleted || m.ProcessingState == ProcessingFailed
}
