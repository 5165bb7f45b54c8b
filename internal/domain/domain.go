// Package domain holds the plain data types shared across the edge
// runtime: cameras, frames, detections, keyframes, windowed metrics,
// replication queue items and governor state.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThrottleLevel is the governor's current throttle classification.
type ThrottleLevel int

const (
	ThrottleNormal ThrottleLevel = iota
	ThrottleWarm
	ThrottleHot
	ThrottleCritical
)

func (t ThrottleLevel) String() string {
	switch t {
	case ThrottleNormal:
		return "normal"
	case ThrottleWarm:
		return "warm"
	case ThrottleHot:
		return "hot"
	case ThrottleCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Zone is a named polygon in frame coordinates used to bucket
// detections by location (e.g. "driveway", "porch").
type Zone struct {
	Label   string
	Polygon []Point
}

// Point is an integer pixel coordinate.
type Point struct {
	X, Y int
}

// CameraSpec is the stable, mostly-immutable configuration of a
// single camera. Persisted in the Local Store; reconfigure only via
// explicit operator action or the enable/disable allowlist.
type CameraSpec struct {
	ID           string
	Name         string
	StreamURL    string
	CredentialID string // key into internal/credential, empty if none
	Enabled      bool
	Zones        []Zone
	Priority     int // higher is kept first; the scheduler drops the lowest-priority cameras first when it caps the rotation
}

// PixelFormat identifies the normalised frame layout. The runtime
// only ever produces BGR24 after decode normalisation.
type PixelFormat int

const (
	PixelFormatBGR24 PixelFormat = iota
)

// Frame is an ephemeral decoded image unit. It owns exactly one
// pooled byte buffer (borrowed via move, never shared) until that
// buffer is returned to the pool.
type Frame struct {
	CameraID    string
	Seq         uint64
	Width       int
	Height      int
	Format      PixelFormat
	CapturedAt  time.Time
	MonotonicNs int64
	Buf         []byte // borrowed from bufpool; exactly one live holder
}

// Age returns how long ago the frame was captured.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}

// Detection is a single object detection produced by the Inference
// Engine for one Frame.
type Detection struct {
	ID             int64
	CameraID       string
	Class          string
	Confidence     float64
	X, Y, W, H     int
	Zone           string // empty if not inside any configured zone
	CapturedAt     time.Time
	ProcessLatency time.Duration
}

// DetectionSet is the full set of detections for one input Frame,
// returned by Inference Engine's detect() preserving input order.
type DetectionSet struct {
	CameraID   string
	Seq        uint64
	CapturedAt time.Time
	Detections []Detection
	Latency    time.Duration
}

// KeyFrame is a rate-limited compressed-image + caption record
// intended for remote storage.
type KeyFrame struct {
	ID            int64
	CameraID      string
	Timestamp     time.Time
	Image         []byte // target 3-5KB, hard ceiling 8KB
	Caption       string // <= ~256 chars
	CaptionTruncated bool
	ClassCounts   map[string]int
	Seq           uint64
}

// LatencyPercentiles summarises processing latency for a window.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// ClassStat is the per-class aggregate within a WindowedMetric.
type ClassStat struct {
	Class        string
	AvgCount     float64
	MaxCount     int
	AvgConfidence float64
}

// WindowedMetric is a fixed-duration aggregate of per-frame
// detections. Exactly one row exists per (CameraID, WindowStart, W).
type WindowedMetric struct {
	ID          int64
	CameraID    string
	WindowStart time.Time
	WindowEnd   time.Time
	ClassStats  []ClassStat
	ZoneCounts  map[string]int
	SampleCount int
	Latency     LatencyPercentiles
}

// EntityKind enumerates the kinds of payload a QueueItem can carry.
type EntityKind string

const (
	EntityDetection     EntityKind = "detection"
	EntityKeyFrame      EntityKind = "key_frame"
	EntityWindowedMetric EntityKind = "metric"
	EntityCameraSpec    EntityKind = "camera"
)

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInFlight   QueueStatus = "in_flight"
	QueueStatusAcked      QueueStatus = "acked"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// QueueItem is a persisted, retryable unit of outbound replication
// work.
type QueueItem struct {
	ID             int64
	Kind           EntityKind
	CameraID       string
	IdempotencyKey string
	Payload        []byte // serialised entity
	EnqueuedAt     time.Time
	LeaseExpiresAt time.Time
	Attempts       int
	LastError      string
	Status         QueueStatus
}

// idempotencyNamespace scopes the deterministic UUIDs produced by
// NewIdempotencyKey; any fixed namespace works as long as it never
// changes between releases.
var idempotencyNamespace = uuid.MustParse("6f9b1f0e-6e2a-4e9d-9f6a-2e8f6b1c2a10")

// NewIdempotencyKey derives the stable, server-assignable key spec
// §4.9 requires: a deterministic UUID over (kind, camera_id,
// natural_timestamp, sequence), so retried deliveries of the same
// logical item collide on the receiver rather than duplicating.
func NewIdempotencyKey(kind EntityKind, cameraID string, naturalTimestamp time.Time, seq uint64) string {
	name := fmt.Sprintf("%s|%s|%d|%d", kind, cameraID, naturalTimestamp.UnixNano(), seq)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// GovernorState is the governor's most recent sampled reading.
type GovernorState struct {
	SampledAt        time.Time
	CPUTempC         float64
	CPUTempAvailable bool
	CPUUtilPct       float64
	WorkingSetMB     float64
	GrowthMBPerHour  float64
	Level            ThrottleLevel
}
