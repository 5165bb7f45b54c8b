package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), DefaultRetention(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ListCameraSpecs(context.Background())
	require.NoError(t, err)
}

func TestInsertAndRecentDetections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertDetection(ctx, domain.Detection{
		CameraID: "cam1", Class: "person", Confidence: 0.8, X: 1, Y: 2, W: 3, H: 4, CapturedAt: now,
	}))

	got, err := s.RecentDetections(ctx, "cam1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "person", got[0].Class)
	require.WithinDuration(t, now, got[0].CapturedAt, time.Millisecond)
}

func TestInsertDetectionsBatchIsTransactional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []domain.Detection{
		{CameraID: "cam1", Class: "car", Confidence: 0.5, CapturedAt: time.Now()},
		{CameraID: "cam1", Class: "dog", Confidence: 0.6, CapturedAt: time.Now()},
	}
	require.NoError(t, s.InsertDetections(ctx, batch))

	got, err := s.RecentDetections(ctx, "cam1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestUpsertWindowedMetricEnforcesUniqueWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ws := time.Now().Truncate(time.Minute)
	m := domain.WindowedMetric{CameraID: "cam1", WindowStart: ws, WindowEnd: ws.Add(time.Minute), SampleCount: 5}
	require.NoError(t, s.UpsertWindowedMetric(ctx, m))

	m.SampleCount = 9
	require.NoError(t, s.UpsertWindowedMetric(ctx, m))

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM windowed_metrics WHERE camera_id = ?`, "cam1")
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestEnqueueLeaseAckFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueItem(ctx, domain.QueueItem{
		Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "k1",
		Payload: []byte("{}"), EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)

	leased, err := s.LeasePending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, domain.QueueStatusInFlight, leased[0].Status)

	require.NoError(t, s.AckItem(ctx, leased[0].ID))
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "dup", Payload: []byte("{}"), EnqueuedAt: time.Now()}
	_, err := s.EnqueueItem(ctx, item)
	require.NoError(t, err)
	_, err = s.EnqueueItem(ctx, item)
	require.NoError(t, err)

	leased, err := s.LeasePending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
}

func TestFailItemMovesToDeadLetterAtMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueItem(ctx, domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "k2", Payload: []byte("{}"), EnqueuedAt: time.Now()})
	require.NoError(t, err)
	leased, err := s.LeasePending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, s.FailItem(ctx, leased[0].ID, "boom", 1))

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, leased[0].ID).Scan(&status))
	require.Equal(t, string(domain.QueueStatusDeadLetter), status)
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueItem(ctx, domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "k3", Payload: []byte("{}"), EnqueuedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.LeasePending(ctx, 10, -time.Second) // already-expired lease
	require.NoError(t, err)

	n, err := s.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestQueueDepthsGroupsByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueItem(ctx, domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "qd1", Payload: []byte("{}"), EnqueuedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.EnqueueItem(ctx, domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "qd2", Payload: []byte("{}"), EnqueuedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.EnqueueItem(ctx, domain.QueueItem{Kind: domain.EntityDetection, CameraID: "cam1", IdempotencyKey: "qd3", Payload: []byte("{}"), EnqueuedAt: time.Now()})
	require.NoError(t, err)

	leased, err := s.LeasePending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 3)

	require.NoError(t, s.AckItem(ctx, leased[0].ID))
	require.NoError(t, s.FailItem(ctx, leased[1].ID, "boom", 1))
	// leased[2] stays in_flight

	depths, err := s.QueueDepths(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[domain.QueueStatusAcked])
	require.Equal(t, int64(1), depths[domain.QueueStatusDeadLetter])
	require.Equal(t, int64(1), depths[domain.QueueStatusInFlight])
}

func TestRunRetentionDeletesOldDetections(t *testing.T) {
	s := openTestStore(t)
	s.retention.DetectionMaxAge = time.Millisecond
	ctx := context.Background()

	require.NoError(t, s.InsertDetection(ctx, domain.Detection{CameraID: "cam1", Class: "person", CapturedAt: time.Now().Add(-time.Hour)}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.RunRetention(ctx))

	got, err := s.RecentDetections(ctx, "cam1", 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUpsertAndListCameraSpecs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := domain.CameraSpec{ID: "cam1", Name: "Front", StreamURL: "rtsp://x", Enabled: true, Priority: 1}
	require.NoError(t, s.UpsertCameraSpec(ctx, spec))

	list, err := s.ListCameraSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Front", list[0].Name)
}

func TestDeleteCameraSpecRemovesIt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spec := domain.CameraSpec{ID: "cam1", Name: "Front", StreamURL: "rtsp://x", Enabled: true}
	require.NoError(t, s.UpsertCameraSpec(ctx, spec))

	require.NoError(t, s.DeleteCameraSpec(ctx, "cam1"))

	list, err := s.ListCameraSpecs(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestDeleteCameraSpecOnUnknownIDIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.DeleteCameraSpec(context.Background(), "missing"))
}

