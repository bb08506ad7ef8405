package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/Hypnotriod/jpegenc"

	"rover/streamer"
)

// TEST_PATTERN_PARAMS expects RGB888 pixels.
var TEST_PATTERN_PARAMS = jpegenc.EncodeParams{
	QualityFactor: jpegenc.QualityFactorHigh,
	PixelType:     jpegenc.PixelTypeRGB888,
	Subsample:     jpegenc.Subsample444,
}

// TestPattern renders a scrolling color gradient as MJPEG. It stands in
// for the camera on machines without one.
type TestPattern struct {
	Width    int
	Height   int
	Params   jpegenc.EncodeParams
	Interval time.Duration
	Boundary string
}

// Frame renders frame n as a multipart part.
func (p TestPattern) Frame(n int, pixels []byte, jpegBuffer []byte) ([]byte, error) {
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i := (y*p.Width + x) * 3
			pixels[i] = byte((x + n*4) % 256)
			pixels[i+1] = byte((y + n*2) % 256)
			pixels[i+2] = byte((x + y) % 256)
		}
	}
	size, err := jpegenc.Encode(p.Width, p.Height, p.Params, pixels, jpegBuffer)
	if err != nil {
		return nil, fmt.Errorf("encode test pattern: %w", err)
	}
	header := fmt.Sprintf("\r\n--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", p.Boundary, size)
	part := make([]byte, 0, len(header)+size+2)
	part = append(part, header...)
	part = append(part, jpegBuffer[:size]...)
	part = append(part, "\r\n"...)
	return part, nil
}

// Run broadcasts frames every Interval until ctx is done.
func (p TestPattern) Run(ctx context.Context, s *streamer.Streamer[Chunk]) error {
	pixels := make([]byte, p.Width*p.Height*3)
	jpegBuffer := make([]byte, p.Width*p.Height*3)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		part, err := p.Frame(n, pixels, jpegBuffer)
		if err != nil {
			return err
		}
		if !s.Broadcast(&Chunk{Data: part}) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
