// Package app wires the Inference Engine, Aggregator and Local Store
// together into the two interfaces the Scheduler and Aggregator call
// against: scheduler.Submitter (one frame in, detect+optionally
// caption out) and aggregator.Sink (one closed window persisted and
// queued). Neither the teacher nor the pack has a name for this
// layer; it plays the same connective role as main.go's inline
// closures in BrunoKrugel/snapshot2stream, pulled into its own
// package because here it is large enough to warrant tests.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/aggregator"
	"github.com/QusaiiSaleem/visionops/internal/domain"
	"github.com/QusaiiSaleem/visionops/internal/inference"
)

// Store is the subset of *store.Store the pipeline writes through.
type Store interface {
	InsertDetections(ctx context.Context, ds []domain.Detection) error
	InsertKeyFrame(ctx context.Context, kf domain.KeyFrame) (int64, error)
	UpsertWindowedMetric(ctx context.Context, m domain.WindowedMetric) error
	EnqueueItem(ctx context.Context, q domain.QueueItem) (int64, error)
}

// ErrorRecorder receives every inference/store error the pipeline
// encounters, for the health snapshot's recent-errors ring.
type ErrorRecorder interface {
	RecordError(err error)
}

// Engine is the subset of *inference.Engine the pipeline drives.
type Engine interface {
	Detect(ctx context.Context, batch []domain.Frame) ([]domain.DetectionSet, error)
	Caption(ctx context.Context, frame domain.Frame, classCounts map[string]int) (domain.KeyFrame, error)
}

// Aggregator is the subset of *aggregator.Aggregator the pipeline
// feeds detections into.
type Aggregator interface {
	Submit(ctx context.Context, ds domain.DetectionSet) error
}

// ReplicationSink adapts the Local Store to aggregator.Sink: every
// closed window is persisted and then queued for remote replication
// in the same call (spec §4.8). The two writes are separate, not one
// transaction: if the enqueue fails, the window stays stored but is
// not queued, and the error is returned.
type ReplicationSink struct {
	Store Store
}

// FlushWindow implements aggregator.Sink.
func (s *ReplicationSink) FlushWindow(ctx context.Context, m domain.WindowedMetric) error {
	if err := s.Store.UpsertWindowedMetric(ctx, m); err != nil {
		return err
	}
	return enqueue(ctx, s.Store, domain.EntityWindowedMetric, m.CameraID, m.WindowStart, 0, m)
}

// Pipeline implements scheduler.Submitter: one frame in, detection
// (always) and caption (when requested) out, both persisted and
// queued.
type Pipeline struct {
	Engine     Engine
	Aggregator Aggregator
	Store      Store
	Errors     ErrorRecorder
	Logger     *zap.Logger
}

// Submit runs detection on frame, submits the result to the
// aggregator for windowing, and (if wantCaption) runs captioning and
// persists a KeyFrame. A detection or store failure is logged and
// recorded but does not stop the scheduler walking other cameras
// (spec §7: "a single component failure never stops ingestion for
// other cameras").
func (p *Pipeline) Submit(ctx context.Context, frame domain.Frame, wantCaption bool) error {
	sets, err := p.Engine.Detect(ctx, []domain.Frame{frame})
	if err != nil {
		p.recordErr(err)
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	ds := sets[0]

	if err := p.Store.InsertDetections(ctx, ds.Detections); err != nil {
		p.recordErr(err)
	}

	// Individual detections are also queued for low-latency remote
	// visibility; the Aggregator's windowed flush is the path that
	// keeps replication volume within the 100:1 compression target,
	// this is a supplementary, lower-frequency signal for non-empty
	// frames only.
	if len(ds.Detections) > 0 {
		if err := enqueue(ctx, p.Store, domain.EntityDetection, ds.CameraID, ds.CapturedAt, ds.Seq, ds.Detections); err != nil {
			p.recordErr(err)
		}
	}

	if err := p.Aggregator.Submit(ctx, ds); err != nil {
		p.recordErr(err)
	}

	if !wantCaption {
		return nil
	}

	classCounts := classCountsOf(ds.Detections)
	kf, err := p.Engine.Caption(ctx, frame, classCounts)
	if err != nil {
		p.recordErr(err)
		return nil
	}

	if _, err := p.Store.InsertKeyFrame(ctx, kf); err != nil {
		p.recordErr(err)
		return nil
	}
	if err := enqueue(ctx, p.Store, domain.EntityKeyFrame, kf.CameraID, kf.Timestamp, kf.Seq, kf); err != nil {
		p.recordErr(err)
	}
	return nil
}

func (p *Pipeline) recordErr(err error) {
	if p.Logger != nil {
		p.Logger.Warn("pipeline step failed", zap.Error(err))
	}
	if p.Errors != nil {
		p.Errors.RecordError(err)
	}
}

func classCountsOf(dets []domain.Detection) map[string]int {
	out := map[string]int{}
	for _, d := range dets {
		out[d.Class]++
	}
	return out
}

func enqueue(ctx context.Context, store Store, kind domain.EntityKind, cameraID string, at time.Time, seq uint64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("app: marshal %s payload: %w", kind, err)
	}
	key := domain.NewIdempotencyKey(kind, cameraID, at, seq)
	_, err = store.EnqueueItem(ctx, domain.QueueItem{
		Kind:           kind,
		CameraID:       cameraID,
		IdempotencyKey: key,
		Payload:        body,
		EnqueuedAt:     time.Now(),
	})
	return err
}
