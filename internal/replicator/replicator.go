// Package replicator drains the Local Store's replication queue and
// delivers it to the remote datastore over HTTPS, per spec §4.9: FIFO
// batches within entity kind, exponential backoff with jitter on
// retryable failures, a circuit breaker over the recent failure
// ratio, and a visibility-timeout lease so a crash mid-delivery
// doesn't lose or duplicate work. The resty-based transport and its
// transport-level tuning (idle conns, handshake/response timeouts)
// are adapted from the teacher's internal/client.Client, generalized
// from a single GetStream call to a generic batch POST per entity
// kind.
package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

// DefaultBatchSize is N_batch from spec §4.9.
const DefaultBatchSize = 100

// DefaultLeaseDuration is the 5-minute visibility timeout.
const DefaultLeaseDuration = 5 * time.Minute

// DefaultMaxAttempts is M_max from spec §4.9 (dead-letter threshold).
const DefaultMaxAttempts = 20

// CompressMinBytes is the batch-size threshold above which payloads
// are zstd-compressed before sending (spec §4.9 step 2).
const CompressMinBytes = 4096

// Store is the subset of internal/store.Store the replicator drains
// from and reports back to.
type Store interface {
	LeasePending(ctx context.Context, limit int, leaseDuration time.Duration) ([]domain.QueueItem, error)
	AckItem(ctx context.Context, id int64) error
	FailItem(ctx context.Context, id int64, lastErr string, maxAttempts int) error
	RequeueExpiredLeases(ctx context.Context) (int64, error)
}

// Transport posts one batch of same-kind items to the remote
// datastore and returns the HTTP status and any transport error;
// isRetryable classifies the outcome.
type Transport interface {
	PostBatch(ctx context.Context, kind domain.EntityKind, body []byte, compressed bool) (statusCode int, err error)
}

// RestyTransport is the default HTTPS Transport, one append/upsert
// endpoint per entity kind under baseURL.
type RestyTransport struct {
	client  *resty.Client
	baseURL string
}

// NewRestyTransport builds a Transport tuned the way the teacher tunes
// its resty client: bounded idle connections, short handshake and
// response-header timeouts so a stalled remote can't block the single
// replicator loop indefinitely.
func NewRestyTransport(baseURL, authToken string) *RestyTransport {
	c := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/octet-stream").
		SetDisableWarn(true)

	if authToken != "" {
		c.SetHeader("Authorization", authToken)
	}

	c.SetTransport(&http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	})

	return &RestyTransport{client: c, baseURL: baseURL}
}

// entityPaths maps each EntityKind to the endpoint spec §6 names
// (/detections, /key_frames, /metrics, /cameras).
var entityPaths = map[domain.EntityKind]string{
	domain.EntityDetection:      "detections",
	domain.EntityKeyFrame:       "key_frames",
	domain.EntityWindowedMetric: "metrics",
	domain.EntityCameraSpec:     "cameras",
}

func (t *RestyTransport) PostBatch(ctx context.Context, kind domain.EntityKind, body []byte, compressed bool) (int, error) {
	path, ok := entityPaths[kind]
	if !ok {
		path = string(kind)
	}
	req := t.client.R().SetContext(ctx).SetBody(body)
	if compressed {
		req.SetHeader("Content-Encoding", "zstd")
	}
	resp, err := req.Post(fmt.Sprintf("%s/%s", t.baseURL, path))
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// Config configures a Replicator.
type Config struct {
	Store     Store
	Transport Transport
	BatchSize int
	Lease     time.Duration
	MaxAttempts int
	Logger    *zap.Logger
}

// Replicator is the single drain loop described in spec §4.9.
type Replicator struct {
	store       Store
	transport   Transport
	batchSize   int
	lease       time.Duration
	maxAttempts int
	breaker     *circuitBreaker
	backoff     *backoff
	logger      *zap.Logger

	encoder *zstd.Encoder

	lastSuccessUnixNano atomic.Int64
}

// LastSuccess returns the timestamp of the most recent successfully
// delivered batch, for the health snapshot's replication freshness
// field. The zero Time means nothing has ever been delivered.
func (r *Replicator) LastSuccess() time.Time {
	nanos := r.lastSuccessUnixNano.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// New builds a Replicator. The zstd encoder is created once and
// reused across batches, matching klauspost/compress's documented
// usage pattern of amortizing encoder setup cost.
func New(cfg Config) (*Replicator, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("replicator: build zstd encoder: %w", err)
	}

	return &Replicator{
		store:       cfg.Store,
		transport:   cfg.Transport,
		batchSize:   cfg.BatchSize,
		lease:       cfg.Lease,
		maxAttempts: cfg.MaxAttempts,
		breaker:     newCircuitBreaker(0.5, 3, time.Minute, 5*time.Minute),
		backoff:     newBackoff(time.Second, 5*time.Minute),
		logger:      cfg.Logger.Named("replicator"),
		encoder:     enc,
	}, nil
}

// DrainOnce runs one drain pass: lease a batch, send it, and apply
// the per-outcome status transition. Returns the number of items
// processed (0 when the breaker is open or nothing is pending) and the
// first error a group send reported, if any.
func (r *Replicator) DrainOnce(ctx context.Context) (int, error) {
	if _, err := r.store.RequeueExpiredLeases(ctx); err != nil {
		r.logger.Warn("requeue expired leases failed", zap.Error(err))
	}

	if !r.breaker.Allow() {
		return 0, nil
	}

	items, err := r.store.LeasePending(ctx, r.batchSize, r.lease)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		r.breaker.Report(true)
		return 0, nil
	}

	byKind := groupByKind(items)
	processed := 0
	var firstErr error
	for kind, group := range byKind {
		if err := r.sendGroup(ctx, kind, group); err != nil {
			r.logger.Error("send group failed", zap.String("kind", string(kind)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		processed += len(group)
	}
	return processed, firstErr
}

func (r *Replicator) sendGroup(ctx context.Context, kind domain.EntityKind, items []domain.QueueItem) error {
	body, err := json.Marshal(items)
	if err != nil {
		for _, it := range items {
			_ = r.store.FailItem(ctx, it.ID, err.Error(), r.maxAttempts)
		}
		return err
	}

	compressed := false
	if len(body) >= CompressMinBytes {
		body = r.encoder.EncodeAll(body, nil)
		compressed = true
	}

	status, err := r.transport.PostBatch(ctx, kind, body, compressed)
	success := err == nil && status >= 200 && status < 300
	r.breaker.Report(success)

	switch {
	case success:
		for _, it := range items {
			if ackErr := r.store.AckItem(ctx, it.ID); ackErr != nil {
				r.logger.Error("ack failed", zap.Int64("item_id", it.ID), zap.Error(ackErr))
			}
		}
		r.backoff.Reset()
		r.lastSuccessUnixNano.Store(time.Now().UnixNano())
		return nil

	case isRetryable(status, err):
		r.logger.Warn("batch send failed, retrying", zap.Int("status", status), zap.Error(err))
		if waitErr := r.backoff.Wait(ctx); waitErr != nil {
			return fmt.Errorf("retryable transport error: status=%d err=%w", status, errOrNil(err))
		}
		for _, it := range items {
			msg := errMessage(status, err)
			if failErr := r.store.FailItem(ctx, it.ID, msg, r.maxAttempts); failErr != nil {
				r.logger.Error("fail-item bookkeeping failed", zap.Int64("item_id", it.ID), zap.Error(failErr))
			}
		}
		return fmt.Errorf("retryable transport error: status=%d err=%w", status, errOrNil(err))

	default:
		r.logger.Error("batch send non-retryable, dead-lettering", zap.Int("status", status), zap.Error(err))
		for _, it := range items {
			msg := errMessage(status, err)
			if failErr := r.store.FailItem(ctx, it.ID, msg, 1); failErr != nil { // 1 forces immediate DeadLetter
				r.logger.Error("fail-item bookkeeping failed", zap.Int64("item_id", it.ID), zap.Error(failErr))
			}
		}
		return nil
	}
}

// isRetryable matches spec §4.9: 5xx, network errors, and timeouts
// are retryable; 4xx other than 408/429 is not.
func isRetryable(status int, err error) bool {
	if err != nil {
		return true
	}
	if status >= 500 {
		return true
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return false
}

func errMessage(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http status %d", status)
}

func errOrNil(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("non-2xx response")
}

func groupByKind(items []domain.QueueItem) map[domain.EntityKind][]domain.QueueItem {
	out := map[domain.EntityKind][]domain.QueueItem{}
	for _, it := range items {
		out[it.Kind] = append(out[it.Kind], it)
	}
	return out
}

// Run drains on a fixed cadence until ctx is cancelled.
func (r *Replicator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.logger.Warn("drain pass reported errors", zap.Error(err))
			}
		}
	}
}
