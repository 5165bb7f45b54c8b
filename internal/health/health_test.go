package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QusaiiSaleem/visionops/internal/aggregator"
	"github.com/QusaiiSaleem/visionops/internal/capture"
	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/inference"
	"github.com/QusaiiSaleem/visionops/internal/ringbuffer"
)

type fakeWorker struct{ stats capture.Stats }

func (f fakeWorker) Stats() capture.Stats { return f.stats }

type fakeRing struct{ stats ringbuffer.Stats }

func (f fakeRing) Stats() ringbuffer.Stats { return f.stats }

type fakeGovernor struct {
	level domain.ThrottleLevel
	state domain.GovernorState
}

func (f fakeGovernor) Level() domain.ThrottleLevel        { return f.level }
func (f fakeGovernor) LastState() domain.GovernorState    { return f.state }

type fakeEngine struct{ stats inference.Stats }

func (f fakeEngine) Snapshot() inference.Stats { return f.stats }

type fakeAggregator struct{ stats aggregator.Stats }

func (f fakeAggregator) Snapshot() aggregator.Stats { return f.stats }

type fakeStore struct {
	depths map[domain.QueueStatus]int64
	err    error
}

func (f fakeStore) QueueDepths(ctx context.Context) (map[domain.QueueStatus]int64, error) {
	return f.depths, f.err
}

type fakeReplicator struct{ at time.Time }

func (f fakeReplicator) LastSuccess() time.Time { return f.at }

func TestCollectPopulatesAllFields(t *testing.T) {
	lastSuccess := time.Now().Add(-time.Minute)
	c := New(Config{
		Cameras: map[string]CameraSource{
			"cam1": {
				Worker: fakeWorker{stats: capture.Stats{State: capture.StateStreaming, LastFrameAge: 2 * time.Second, RestartCount: 1}},
				Ring:   fakeRing{stats: ringbuffer.Stats{DropRate: 0.05}},
			},
		},
		Governor:   fakeGovernor{level: domain.ThrottleWarm, state: domain.GovernorState{CPUTempC: 68, CPUTempAvailable: true, GrowthMBPerHour: 3}},
		Engine:     fakeEngine{stats: inference.Stats{DetectCalls: 10, CaptionCalls: 5, LastDetectLatency: 40 * time.Millisecond, LastCaptionLatency: 120 * time.Millisecond}},
		Aggregator: fakeAggregator{stats: aggregator.Stats{DetectionsIn: 100, WindowedRowsOut: 10}},
		Store:      fakeStore{depths: map[domain.QueueStatus]int64{domain.QueueStatusPending: 3}},
		Replicator: fakeReplicator{at: lastSuccess},
	})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Cameras, 1)
	require.Equal(t, "cam1", snap.Cameras[0].ID)
	require.Equal(t, "streaming", snap.Cameras[0].State)
	require.Equal(t, 0.05, snap.Cameras[0].DropRate)

	require.Equal(t, domain.ThrottleWarm, snap.GovernorLevel)
	require.Equal(t, 68.0, snap.CPUTempC)
	require.True(t, snap.CPUTempAvailable)

	require.Equal(t, int64(3), snap.QueueDepths[domain.QueueStatusPending])
	require.Equal(t, lastSuccess, snap.LastReplicationSuccess)
	require.Greater(t, snap.InferenceP95Latency, time.Duration(0))
	require.GreaterOrEqual(t, snap.InferenceP95Latency, snap.InferenceP50Latency)
}

func TestCollectLeavesZeroValuesForNilSources(t *testing.T) {
	c := New(Config{})
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Cameras)
	require.Equal(t, domain.ThrottleLevel(0), snap.GovernorLevel)
	require.True(t, snap.LastReplicationSuccess.IsZero())
}

func TestCollectPropagatesStoreError(t *testing.T) {
	c := New(Config{Store: fakeStore{err: errors.New("db busy")}})
	_, err := c.Collect(context.Background())
	require.Error(t, err)
}

func TestRecordErrorTrimsToMaxErrors(t *testing.T) {
	c := New(Config{MaxErrors: 2})
	c.RecordError(errors.New("one"))
	c.RecordError(errors.New("two"))
	c.RecordError(errors.New("three"))

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.RecentErrors, 2)
	require.Equal(t, "two", snap.RecentErrors[0].Message)
	require.Equal(t, "three", snap.RecentErrors[1].Message)
}

func TestPercentileOnEmptySamplesIsZero(t *testing.T) {
	require.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestPercentileOrdersSamples(t *testing.T) {
	samples := []time.Duration{50 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond}
	require.Equal(t, 30*time.Millisecond, percentile(samples, 0.5))
	require.Equal(t, 50*time.Millisecond, percentile(samples, 1.0))
}

func TestUptimeGrowsAcrossCollects(t *testing.T) {
	c := New(Config{})
	first, err := c.Collect(context.Background())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Greater(t, second.Uptime, first.Uptime)
}

func TestAddCameraIsVisibleOnNextCollect(t *testing.T) {
	c := New(Config{})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Cameras)

	c.AddCamera("cam1", CameraSource{
		Worker: fakeWorker{stats: capture.Stats{State: capture.StateStreaming}},
		Ring:   fakeRing{},
	})

	snap, err = c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Cameras, 1)
	require.Equal(t, "cam1", snap.Cameras[0].ID)
}

func TestRemoveCameraDropsItFromNextCollect(t *testing.T) {
	c := New(Config{
		Cameras: map[string]CameraSource{
			"cam1": {Worker: fakeWorker{}, Ring: fakeRing{}},
		},
	})

	c.RemoveCamera("cam1")

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Cameras)
}
