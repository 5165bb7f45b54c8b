package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

type stubDetector struct {
	boxes   [][]RawBox
	err     error
	warmErr error

	// delay, if set, makes Forward block before returning. ignoreCtx
	// makes it block for the full delay regardless of cancellation,
	// simulating a backend that doesn't honor context.
	delay     time.Duration
	ignoreCtx bool
}

func (s *stubDetector) Forward(ctx context.Context, batch []domain.Frame) ([][]RawBox, error) {
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]RawBox, len(batch))
	for i := range batch {
		if i < len(s.boxes) {
			out[i] = s.boxes[i]
		}
	}
	return out, nil
}

func (s *stubDetector) WarmUp(context.Context) error { return s.warmErr }

type stubCaptioner struct {
	text      string
	truncated bool
	err       error
	delay     time.Duration
	// ignoreCtx makes Forward block for the full delay regardless of
	// cancellation, simulating a backend that doesn't honor context.
	ignoreCtx bool
}

func (s *stubCaptioner) Forward(ctx context.Context, _ domain.Frame) (string, bool, error) {
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return "partial", true, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return "", false, s.err
	}
	return s.text, s.truncated, nil
}

func (s *stubCaptioner) WarmUp(context.Context) error { return nil }

func newTestEngine(det DetectorBackend, captioner CaptionerBackend) *Engine {
	return New(Config{Detector: det, Captioner: captioner})
}

func TestWarmUpTransitionsToReady(t *testing.T) {
	e := newTestEngine(&stubDetector{}, &stubCaptioner{text: "hi"})
	require.NoError(t, e.WarmUp(context.Background()))
	require.False(t, e.Degraded())
}

func TestDetectRefusesBeforeWarmUp(t *testing.T) {
	e := newTestEngine(&stubDetector{}, &stubCaptioner{})
	_, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "a"}})
	require.Error(t, err)
}

func TestDetectAppliesConfidenceThresholdAndNMS(t *testing.T) {
	e := newTestEngine(&stubDetector{boxes: [][]RawBox{{
		{Class: "person", Confidence: 0.9, X: 0, Y: 0, W: 100, H: 100},
		{Class: "person", Confidence: 0.6, X: 5, Y: 5, W: 100, H: 100}, // heavy overlap, should be suppressed
		{Class: "person", Confidence: 0.2, X: 300, Y: 300, W: 20, H: 20}, // below threshold
	}}}, &stubCaptioner{})
	require.NoError(t, e.WarmUp(context.Background()))

	sets, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "cam1", Seq: 1}})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.Len(t, sets[0].Detections, 1)
	require.Equal(t, 0.9, sets[0].Detections[0].Confidence)
}

func TestDetectAssignsZone(t *testing.T) {
	zones := []domain.Zone{{
		Label: "driveway",
		Polygon: []domain.Point{{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 200}, {X: 0, Y: 200}},
	}}
	e := New(Config{
		Detector: &stubDetector{boxes: [][]RawBox{{
			{Class: "car", Confidence: 0.9, X: 10, Y: 10, W: 20, H: 20},
		}}},
		Captioner: &stubCaptioner{},
		Zones:     zones,
	})
	require.NoError(t, e.WarmUp(context.Background()))

	sets, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "cam1"}})
	require.NoError(t, err)
	require.Equal(t, "driveway", sets[0].Detections[0].Zone)
}

func TestDetectFaultTransitionsToDegraded(t *testing.T) {
	e := newTestEngine(&stubDetector{}, &stubCaptioner{})
	require.NoError(t, e.WarmUp(context.Background()))

	e.detector = &stubDetector{err: errors.New("boom")}
	_, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "a"}})
	require.ErrorIs(t, err, ErrEngineUnavailable)
	require.True(t, e.Degraded())

	_, err = e.Detect(context.Background(), []domain.Frame{{CameraID: "a"}})
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestCaptionReturnsTruncatedOnTimeout(t *testing.T) {
	e := New(Config{
		Detector:      &stubDetector{},
		Captioner:     &stubCaptioner{delay: 50 * time.Millisecond, text: "slow"},
		CaptionBudget: 5 * time.Millisecond,
	})
	require.NoError(t, e.WarmUp(context.Background()))

	kf, err := e.Caption(context.Background(), domain.Frame{CameraID: "cam1"}, nil)
	require.NoError(t, err)
	require.True(t, kf.CaptionTruncated)
}

func TestDetectHardTimeoutFaultsEngine(t *testing.T) {
	e := New(Config{
		Detector:    &stubDetector{delay: 20 * time.Millisecond, ignoreCtx: true},
		Captioner:   &stubCaptioner{},
		HardTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, e.WarmUp(context.Background()))

	_, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "cam1"}})
	require.ErrorIs(t, err, ErrEngineUnavailable)
	require.True(t, e.Degraded())
}

func TestCaptionHardTimeoutFaultsEngineDespiteSoftBudget(t *testing.T) {
	e := New(Config{
		Detector:      &stubDetector{},
		Captioner:     &stubCaptioner{delay: 20 * time.Millisecond, ignoreCtx: true, text: "slow"},
		CaptionBudget: time.Millisecond,
		HardTimeout:   5 * time.Millisecond,
	})
	require.NoError(t, e.WarmUp(context.Background()))

	kf, err := e.Caption(context.Background(), domain.Frame{CameraID: "cam1"}, nil)
	require.ErrorIs(t, err, ErrEngineUnavailable)
	require.True(t, e.Degraded())
	require.Zero(t, kf)
}

func TestCaptionHappyPath(t *testing.T) {
	e := newTestEngine(&stubDetector{}, &stubCaptioner{text: "a person walks by"})
	require.NoError(t, e.WarmUp(context.Background()))

	kf, err := e.Caption(context.Background(), domain.Frame{CameraID: "cam1"}, map[string]int{"person": 1})
	require.NoError(t, err)
	require.Equal(t, "a person walks by", kf.Caption)
	require.False(t, kf.CaptionTruncated)
}

func TestSetBatchSizeClampsBatch(t *testing.T) {
	e := newTestEngine(&stubDetector{boxes: [][]RawBox{{}, {}, {}}}, &stubCaptioner{})
	require.NoError(t, e.WarmUp(context.Background()))
	e.SetBatchSize(2)

	sets, err := e.Detect(context.Background(), []domain.Frame{{CameraID: "a"}, {CameraID: "b"}, {CameraID: "c"}})
	require.NoError(t, err)
	require.Len(t, sets, 2)
}

func TestEncodeKeyFrameImageFitsUnderCeiling(t *testing.T) {
	const w, h = 64, 48
	buf := make([]byte, w*h*3)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	frame := domain.Frame{
		CameraID: "cam1",
		Width:    w,
		Height:   h,
		Format:   domain.PixelFormatBGR24,
		Buf:      buf,
	}

	img, err := encodeKeyFrameImage(frame)
	require.NoError(t, err)
	require.NotNil(t, img)
	require.LessOrEqual(t, len(img), KeyFrameImageMaxBytes)
	require.True(t, isValidJPEG(img))
}

func TestEncodeKeyFrameImageRejectsUndersizedBuffer(t *testing.T) {
	frame := domain.Frame{
		CameraID: "cam1",
		Width:    64,
		Height:   48,
		Format:   domain.PixelFormatBGR24,
		Buf:      []byte{0x01, 0x02},
	}

	_, err := encodeKeyFrameImage(frame)
	require.Error(t, err)
}

func TestCaptionPopulatesKeyFrameImage(t *testing.T) {
	const w, h = 32, 32
	buf := make([]byte, w*h*3)
	e := newTestEngine(&stubDetector{}, &stubCaptioner{text: "a cat"})
	require.NoError(t, e.WarmUp(context.Background()))

	kf, err := e.Caption(context.Background(), domain.Frame{
		CameraID: "cam1",
		Width:    w,
		Height:   h,
		Format:   domain.PixelFormatBGR24,
		Buf:      buf,
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, kf.Image)
	require.LessOrEqual(t, len(kf.Image), KeyFrameImageMaxBytes)
}
