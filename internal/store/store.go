// Package store implements the embedded single-file relational store
// from spec §4.7: write-ahead logging, forward migrations applied at
// startup, typed CRUD with the indexes and retention policy the spec
// names, and a transactional API for every multi-row operation.
// SQLite + golang-migrate is grounded on the driver and migration
// stack carried by several pack manifests (Tutu-Engine-tutuengine,
// helixml-helix, SudharshanMutalik46-ts-vms-v1.0).
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/errs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Retention is the spec §4.7 retention policy.
type Retention struct {
	DetectionMaxAge       time.Duration
	KeyFrameMaxAge        time.Duration
	WindowedMetricMaxAge  time.Duration
	AckedQueueItemMaxAge  time.Duration
}

// DefaultRetention matches spec §4.7's defaults.
func DefaultRetention() Retention {
	return Retention{
		DetectionMaxAge:      24 * time.Hour,
		KeyFrameMaxAge:       7 * 24 * time.Hour,
		WindowedMetricMaxAge: 7 * 24 * time.Hour,
		AckedQueueItemMaxAge: time.Hour,
	}
}

// Store wraps the single-file SQLite database.
type Store struct {
	db        *sql.DB
	retention Retention
	logger    *zap.Logger
}

// Open opens (creating if absent) the database file at path, applies
// pending forward migrations, and configures WAL mode with a busy
// timeout so concurrent readers don't collide with the append-heavy
// writer.
func Open(path string, retention Retention, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", errs.Configuration, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers; WAL still permits concurrent readers

	if err := migrateUp(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, retention: retention, logger: logger.Named("store")}, nil
}

func migrateUp(db *sql.DB, logger *zap.Logger) error {
	srcDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: migration source: %v", errs.Fatal, err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: migration driver: %v", errs.Fatal, err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("%w: migrate init: %v", errs.Fatal, err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("%w: migrate up: %v", errs.Fatal, err)
	}
	logger.Info("migrations applied")
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction, committing on success and
// rolling back on any error or panic. Every multi-row operation in
// this package goes through it (spec §4.7: "exposes a typed
// transaction API").
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", errs.Transient, err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// InsertDetection writes one Detection row.
func (s *Store) InsertDetection(ctx context.Context, d domain.Detection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (camera_id, class, confidence, x, y, w, h, zone, captured_at, process_latency_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CameraID, d.Class, d.Confidence, d.X, d.Y, d.W, d.H, d.Zone, d.CapturedAt.UnixNano(), int64(d.ProcessLatency))
	return wrapErr(err)
}

// InsertDetections writes a batch transactionally.
func (s *Store) InsertDetections(ctx context.Context, ds []domain.Detection) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO detections (camera_id, class, confidence, x, y, w, h, zone, captured_at, process_latency_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return wrapErr(err)
		}
		defer stmt.Close()
		for _, d := range ds {
			if _, err := stmt.ExecContext(ctx, d.CameraID, d.Class, d.Confidence, d.X, d.Y, d.W, d.H, d.Zone,
				d.CapturedAt.UnixNano(), int64(d.ProcessLatency)); err != nil {
				return wrapErr(err)
			}
		}
		return nil
	})
}

// RecentDetections returns up to limit Detection rows for camera,
// most recent first (uses the (camera_id, captured_at desc) index).
func (s *Store) RecentDetections(ctx context.Context, cameraID string, limit int) ([]domain.Detection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera_id, class, confidence, x, y, w, h, zone, captured_at, process_latency_ns
		FROM detections WHERE camera_id = ? ORDER BY captured_at DESC LIMIT ?`, cameraID, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.Detection
	for rows.Next() {
		var d domain.Detection
		var capturedAtNs, latencyNs int64
		if err := rows.Scan(&d.ID, &d.CameraID, &d.Class, &d.Confidence, &d.X, &d.Y, &d.W, &d.H, &d.Zone, &capturedAtNs, &latencyNs); err != nil {
			return nil, wrapErr(err)
		}
		d.CapturedAt = time.Unix(0, capturedAtNs)
		d.ProcessLatency = time.Duration(latencyNs)
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

// UpsertWindowedMetric inserts a new window row or, if one already
// exists for (camera_id, window_start), replaces it — the merge path
// a late sample within the grace period needs (spec §4.8).
func (s *Store) UpsertWindowedMetric(ctx context.Context, m domain.WindowedMetric) error {
	classStats, err := json.Marshal(m.ClassStats)
	if err != nil {
		return wrapErr(err)
	}
	zoneCounts, err := json.Marshal(m.ZoneCounts)
	if err != nil {
		return wrapErr(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO windowed_metrics
			(camera_id, window_start, window_end, class_stats_json, zone_counts_json, sample_count, latency_p50_ns, latency_p95_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			class_stats_json = excluded.class_stats_json,
			zone_counts_json = excluded.zone_counts_json,
			sample_count = excluded.sample_count,
			latency_p50_ns = excluded.latency_p50_ns,
			latency_p95_ns = excluded.latency_p95_ns`,
		m.CameraID, m.WindowStart.UnixNano(), m.WindowEnd.UnixNano(), string(classStats), string(zoneCounts),
		m.SampleCount, int64(m.Latency.P50), int64(m.Latency.P95))
	return wrapErr(err)
}

// InsertKeyFrame writes one KeyFrame row.
func (s *Store) InsertKeyFrame(ctx context.Context, kf domain.KeyFrame) (int64, error) {
	counts, err := json.Marshal(kf.ClassCounts)
	if err != nil {
		return 0, wrapErr(err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO key_frames (camera_id, ts, image, caption, caption_truncated, class_counts_json, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kf.CameraID, kf.Timestamp.UnixNano(), kf.Image, kf.Caption, kf.CaptionTruncated, string(counts), kf.Seq)
	if err != nil {
		return 0, wrapErr(err)
	}
	id, err := res.LastInsertId()
	return id, wrapErr(err)
}

// EnqueueItem inserts a new replication queue row in Pending status.
func (s *Store) EnqueueItem(ctx context.Context, q domain.QueueItem) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (kind, camera_id, idempotency_key, payload, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		string(q.Kind), q.CameraID, q.IdempotencyKey, q.Payload, q.EnqueuedAt.UnixNano(), string(domain.QueueStatusPending))
	if err != nil {
		return 0, wrapErr(err)
	}
	id, err := res.LastInsertId()
	return id, wrapErr(err)
}

// LeasePending selects up to limit Pending items, plus InFlight items
// whose lease has expired, FIFO within entity kind and marks them
// InFlight with the given lease, inside one transaction so the
// select-then-update is atomic (spec §4.9's visibility-timeout lease).
func (s *Store) LeasePending(ctx context.Context, limit int, leaseDuration time.Duration) ([]domain.QueueItem, error) {
	var items []domain.QueueItem
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, kind, camera_id, idempotency_key, payload, enqueued_at, lease_expires_at, attempts, last_error, status
			FROM queue_items
			WHERE status = ? OR (status = ? AND lease_expires_at < ?)
			ORDER BY kind, enqueued_at ASC
			LIMIT ?`,
			string(domain.QueueStatusPending), string(domain.QueueStatusInFlight), time.Now().UnixNano(), limit)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var q domain.QueueItem
			var enqueuedNs, leaseNs int64
			if err := rows.Scan(&q.ID, &q.Kind, &q.CameraID, &q.IdempotencyKey, &q.Payload, &enqueuedNs, &leaseNs, &q.Attempts, &q.LastError, &q.Status); err != nil {
				rows.Close()
				return err
			}
			q.EnqueuedAt = time.Unix(0, enqueuedNs)
			q.LeaseExpiresAt = time.Unix(0, leaseNs)
			items = append(items, q)
			ids = append(ids, q.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		lease := time.Now().Add(leaseDuration).UnixNano()
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE queue_items SET status = ?, lease_expires_at = ? WHERE id = ?`,
				string(domain.QueueStatusInFlight), lease, id); err != nil {
				return err
			}
			items[i].Status = domain.QueueStatusInFlight
			items[i].LeaseExpiresAt = time.Unix(0, lease)
		}
		return nil
	})
	return items, wrapErr(err)
}

// AckItem marks a queue item Acked.
func (s *Store) AckItem(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue_items SET status = ? WHERE id = ?`, string(domain.QueueStatusAcked), id)
	return wrapErr(err)
}

// FailItem records a failed delivery attempt. If attempts reaches
// maxAttempts the item moves to DeadLetter (spec: M_max default 20);
// otherwise it returns to Pending for the next drain pass.
func (s *Store) FailItem(ctx context.Context, id int64, lastErr string, maxAttempts int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM queue_items WHERE id = ?`, id).Scan(&attempts); err != nil {
			return err
		}
		attempts++
		status := string(domain.QueueStatusPending)
		if attempts >= maxAttempts {
			status = string(domain.QueueStatusDeadLetter)
		}
		_, err := tx.ExecContext(ctx, `UPDATE queue_items SET attempts = ?, last_error = ?, status = ? WHERE id = ?`,
			attempts, lastErr, status, id)
		return err
	})
}

// RunRetention deletes rows past the configured retention windows
// (spec §4.7). main.go calls it once an hour.
func (s *Store) RunRetention(ctx context.Context) error {
	now := time.Now()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM detections WHERE captured_at < ?`,
			now.Add(-s.retention.DetectionMaxAge).UnixNano()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM key_frames WHERE ts < ?`,
			now.Add(-s.retention.KeyFrameMaxAge).UnixNano()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM windowed_metrics WHERE window_start < ?`,
			now.Add(-s.retention.WindowedMetricMaxAge).UnixNano()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE status = ? AND enqueued_at < ?`,
			string(domain.QueueStatusAcked), now.Add(-s.retention.AckedQueueItemMaxAge).UnixNano())
		return err
	})
}

// RequeueExpiredLeases returns InFlight items whose lease has expired
// back to Pending (spec: "on next startup, visibility timeout elapses
// and they return to Pending").
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ? WHERE status = ? AND lease_expires_at < ?`,
		string(domain.QueueStatusPending), string(domain.QueueStatusInFlight), time.Now().UnixNano())
	if err != nil {
		return 0, wrapErr(err)
	}
	n, err := res.RowsAffected()
	return n, wrapErr(err)
}

// QueueDepths returns the current count of QueueItems per status, for
// the health snapshot's "queue depth by status" field.
func (s *Store) QueueDepths(ctx context.Context) (map[domain.QueueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := map[domain.QueueStatus]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapErr(err)
		}
		out[domain.QueueStatus(status)] = count
	}
	return out, wrapErr(rows.Err())
}

// UpsertCameraSpec inserts or updates a camera's persisted config.
func (s *Store) UpsertCameraSpec(ctx context.Context, c domain.CameraSpec) error {
	zones, err := json.Marshal(c.Zones)
	if err != nil {
		return wrapErr(err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO camera_specs (id, name, stream_url, credential_id, enabled, zones_json, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, stream_url = excluded.stream_url, credential_id = excluded.credential_id,
			enabled = excluded.enabled, zones_json = excluded.zones_json, priority = excluded.priority`,
		c.ID, c.Name, c.StreamURL, c.CredentialID, c.Enabled, string(zones), c.Priority)
	return wrapErr(err)
}

// DeleteCameraSpec removes a camera's persisted config, for the IPC
// remove_camera operation. Deleting an unknown id is not an error.
func (s *Store) DeleteCameraSpec(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM camera_specs WHERE id = ?`, id)
	return wrapErr(err)
}

// ListCameraSpecs returns every registered camera.
func (s *Store) ListCameraSpecs(ctx context.Context) ([]domain.CameraSpec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, stream_url, credential_id, enabled, zones_json, priority FROM camera_specs`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []domain.CameraSpec
	for rows.Next() {
		var c domain.CameraSpec
		var zonesJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.StreamURL, &c.CredentialID, &c.Enabled, &zonesJSON, &c.Priority); err != nil {
			return nil, wrapErr(err)
		}
		if err := json.Unmarshal([]byte(zonesJSON), &c.Zones); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, c)
	}
	return out, wrapErr(rows.Err())
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errs.Transient, err)
}
