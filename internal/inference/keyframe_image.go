package inference

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/QusaiiSaleem/visionops/internal/domain"
)

// KeyFrameImageTargetBytes/MaxBytes bound the compressed keyframe image
// per spec §3: target 3-5KB, hard ceiling 8KB.
const (
	KeyFrameImageTargetBytes = 5 * 1024
	KeyFrameImageMaxBytes    = 8 * 1024
)

// encodeKeyFrameImage compresses a BGR24 frame to a JPEG sized under
// KeyFrameImageMaxBytes, searching downward from quality 85 the way a
// thumbnailer trades quality for a byte budget. Returns (nil, nil)
// rather than an error when no quality setting fits the ceiling — the
// caller ships the KeyFrame with its caption only, per spec §7's
// "drop with a counted metric" policy for non-fatal degradation.
func encodeKeyFrameImage(frame domain.Frame) ([]byte, error) {
	if frame.Format != domain.PixelFormatBGR24 {
		return nil, fmt.Errorf("encode keyframe image: unsupported pixel format %v", frame.Format)
	}
	img, err := bgr24ToImage(frame)
	if err != nil {
		return nil, err
	}

	for quality := 85; quality >= 20; quality -= 15 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode keyframe image: %w", err)
		}
		if buf.Len() <= KeyFrameImageMaxBytes {
			if !isValidJPEG(buf.Bytes()) {
				return nil, fmt.Errorf("encode keyframe image: encoder produced malformed JPEG")
			}
			return buf.Bytes(), nil
		}
	}
	return nil, nil
}

func bgr24ToImage(frame domain.Frame) (image.Image, error) {
	want := frame.Width * frame.Height * 3
	if len(frame.Buf) < want {
		return nil, fmt.Errorf("encode keyframe image: buffer too small: have %d want %d", len(frame.Buf), want)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		rowOff := y * frame.Width * 3
		for x := 0; x < frame.Width; x++ {
			i := rowOff + x*3
			b, g, r := frame.Buf[i], frame.Buf[i+1], frame.Buf[i+2]
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xFF})
		}
	}
	return img, nil
}

// isValidJPEG is the teacher's SOI/EOI magic-byte sanity check
// (internal/utils.IsValidJPEG), adapted as the post-encode guard
// rather than a standalone exported helper since the only producer of
// JPEG bytes in this runtime is encodeKeyFrameImage.
func isValidJPEG(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		return false
	}
	return true
}
