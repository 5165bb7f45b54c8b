package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleLevelStringCoversAllValues(t *testing.T) {
	cases := map[ThrottleLevel]string{
		ThrottleNormal:   "normal",
		ThrottleWarm:     "warm",
		ThrottleHot:      "hot",
		ThrottleCritical: "critical",
		ThrottleLevel(99): "unknown",
	}
	for level, want := range cases {
		require.Equal(t, want, level.String())
	}
}

func TestFrameAgeMeasuresElapsedSinceCapture(t *testing.T) {
	captured := time.Now().Add(-5 * time.Second)
	f := Frame{CapturedAt: captured}
	require.InDelta(t, 5*time.Second, f.Age(captured.Add(5*time.Second)), float64(10*time.Millisecond))
}

func TestNewIdempotencyKeyIsDeterministic(t *testing.T) {
	ts := time.Unix(1000, 0)
	a := NewIdempotencyKey(EntityDetection, "cam1", ts, 7)
	b := NewIdempotencyKey(EntityDetection, "cam1", ts, 7)
	require.Equal(t, a, b)
}

func TestNewIdempotencyKeyVariesPerInput(t *testing.T) {
	ts := time.Unix(1000, 0)
	base := NewIdempotencyKey(EntityDetection, "cam1", ts, 7)

	require.NotEqual(t, base, NewIdempotencyKey(EntityKeyFrame, "cam1", ts, 7), "kind should affect the key")
	require.NotEqual(t, base, NewIdempotencyKey(EntityDetection, "cam2", ts, 7), "camera id should affect the key")
	require.NotEqual(t, base, NewIdempotencyKey(EntityDetection, "cam1", ts.Add(time.Second), 7), "timestamp should affect the key")
	require.NotEqual(t, base, NewIdempotencyKey(EntityDetection, "cam1", ts, 8), "sequence should affect the key")
}
