// Package hls reads the live transcoder manifest and maintains the bounded
// per-motion playlist. The bounded playlist is treated as an append-only
// log: segments are appended while the episode is open and finalization
// appends #EXT-X-ENDLIST exactly once.
package hls

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTargetDuration is assumed when the live manifest does not declare
// #EXT-X-TARGETDURATION.
const DefaultTargetDuration = 2.0

const endList = "#EXT-X-ENDLIST"

var segmentRe = regexp.MustCompile(`stream(\d+)\.ts`)

// LiveManifest is the parsed state of a camera's live stream.m3u8.
type LiveManifest struct {
	TargetDuration float64
	Segments       []int
}

// LastSegment returns the highest segment index in the manifest, or -1.
func (m *LiveManifest) LastSegment() int {
	if len(m.Segments) == 0 {
		return -1
	}
	return m.Segments[len(m.Segments)-1]
}

// ReadLiveManifest parses the sliding-window manifest the transcoder keeps
// on disk, extracting segment indices from the stream<N>.ts entries.
func ReadLiveManifest(path string) (*LiveManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading live manifest: %w", err)
	}
	defer f.Close()

	m := &LiveManifest{TargetDuration: DefaultTargetDuration}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#EXT-X-TARGETDURATION:") {
			if d, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil && d > 0 {
				m.TargetDuration = d
			}
			continue
		}
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		if idx, ok := SegmentIndex(line); ok {
			m.Segments = append(m.Segments, idx)
		}
	}
	return m, scanner.Err()
}

// SegmentIndex extracts the numeric index from a stream<N>.ts reference.
func SegmentIndex(uri string) (int, bool) {
	match := segmentRe.FindStringSubmatch(uri)
	if match == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// SegmentPath returns the absolute path of segment i in the camera's
// stream directory.
func SegmentPath(streamDir string, i int) string {
	return filepath.Join(streamDir, fmt.Sprintf("stream%d.ts", i))
}

// WriteBounded creates a fresh bounded playlist covering segments
// [startSegment, lastSegment] with absolute paths into streamDir.
func WriteBounded(path, streamDir string, targetDuration float64, startSegment, lastSegment int) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(targetDuration))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", startSegment)
	for i := startSegment; i <= lastSegment; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\n%s\n", targetDuration, SegmentPath(streamDir, i))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// AppendSegments appends segments (from, to] to an open bounded playlist.
func AppendSegments(path, streamDir string, targetDuration float64, from, to int) error {
	if to <= from {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("appending to playlist: %w", err)
	}
	defer f.Close()
	var b strings.Builder
	for i := from + 1; i <= to; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\n%s\n", targetDuration, SegmentPath(streamDir, i))
	}
	_, err = f.WriteString(b.String())
	return err
}

// Finalize appends the ENDLIST marker unless it is already present.
func Finalize(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("finalizing playlist: %w", err)
	}
	if strings.Contains(string(data), endList) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("finalizing playlist: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString("\n" + endList + "\n")
	return err
}

// Finalized reports whether the playlist carries the ENDLIST marker.
func Finalized(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), endList)
}

// SegmentRefs returns the segment file paths referenced by a bounded
// playlist, in order.
func SegmentRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var refs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, ".ts") {
			refs = append(refs, line)
		}
	}
	return refs, scanner.Err()
}
