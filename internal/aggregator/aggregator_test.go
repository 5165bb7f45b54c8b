package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	flushed []domain.WindowedMetric
}

func (r *recordingSink) FlushWindow(_ context.Context, m domain.WindowedMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = append(r.flushed, m)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushed)
}

func ds(camID string, at time.Time, classes ...string) domain.DetectionSet {
	var dets []domain.Detection
	for _, c := range classes {
		dets = append(dets, domain.Detection{CameraID: camID, Class: c, Confidence: 0.9, CapturedAt: at})
	}
	return domain.DetectionSet{CameraID: camID, CapturedAt: at, Detections: dets, Latency: 10 * time.Millisecond}
}

func TestSubmitMergesSamplesWithinSameWindow(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base, "person")))
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(5*time.Second), "person")))

	require.Equal(t, 0, sink.count(), "window should still be open, nothing flushed yet")
}

func TestSubmitClosesAndFlushesSupersededWindow(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base, "person")))
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(90*time.Second), "person")))

	require.Equal(t, 1, sink.count())
	require.Equal(t, 1, sink.flushed[0].SampleCount)
}

func TestSubmitComputesClassStatsAndZoneCounts(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	s1 := ds("cam1", base, "person", "person")
	s1.Detections[0].Zone = "driveway"
	require.NoError(t, a.Submit(context.Background(), s1))
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(90*time.Second), "person"))) // triggers flush

	require.Equal(t, 1, sink.count())
	m := sink.flushed[0]
	require.Len(t, m.ClassStats, 1)
	require.Equal(t, "person", m.ClassStats[0].Class)
	require.Equal(t, 2, m.ClassStats[0].MaxCount)
	require.Equal(t, 1, m.ZoneCounts["driveway"])
}

func TestSubmitLateSampleWithinGraceReopensClosedWindow(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Grace: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base, "person")))
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(90*time.Second), "person"))) // closes window 1

	require.Equal(t, 1, sink.count())

	late := ds("cam1", base.Add(30*time.Second), "dog") // belongs to the just-closed window
	require.NoError(t, a.Submit(context.Background(), late))

	require.Equal(t, 2, sink.count(), "reopen should re-flush the closed window")
	require.Equal(t, 0, int(a.Snapshot().LateDropped))
}

func TestSubmitLateSampleBeyondGraceIsDropped(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Grace: time.Nanosecond, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base, "person")))
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(90*time.Second), "person"))) // closes window 1
	time.Sleep(time.Millisecond)

	late := ds("cam1", base.Add(30*time.Second), "dog")
	require.NoError(t, a.Submit(context.Background(), late))

	require.Equal(t, int64(1), a.Snapshot().LateDropped)
}

func TestFlushClosesAllOpenWindows(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	require.NoError(t, a.Submit(context.Background(), ds("cam1", base, "person")))
	require.NoError(t, a.Submit(context.Background(), ds("cam2", base, "car")))

	require.NoError(t, a.Flush(context.Background()))
	require.Equal(t, 2, sink.count())
}

func TestSnapshotComputesCompressionRatio(t *testing.T) {
	sink := &recordingSink{}
	a := New(Config{Window: time.Minute, Sink: sink})

	base := time.Unix(0, 0).Add(10 * time.Minute)
	for i := 0; i < 100; i++ {
		require.NoError(t, a.Submit(context.Background(), ds("cam1", base.Add(time.Duration(i)*time.Second), "person")))
	}
	require.NoError(t, a.Flush(context.Background()))

	stats := a.Snapshot()
	require.Equal(t, int64(100), stats.DetectionsIn)
	require.GreaterOrEqual(t, stats.CompressionRatio, 1.0)
}
