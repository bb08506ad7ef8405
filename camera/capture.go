package camera

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rover/gstpipeline"
	"rover/streamer"
)

const BUFFERED_CHUNKS = 16

// SourcePattern renders frames in process with TestPattern instead of
// launching gstreamer.
const SourcePattern gstpipeline.Source = "pattern"

type Options struct {
	Pipeline  gstpipeline.Options
	FrameRate int
}

// Capture owns the camera pipeline and the two ingest sockets it feeds:
// MJPEG for the HTTP fallback and H264 for the WebRTC track.
type Capture struct {
	opts     Options
	logger   *zap.Logger
	streamer *streamer.Streamer[Chunk]
	track    SampleWriter
}

// New creates a capture. track may be nil when WebRTC is disabled.
func New(opts Options, track SampleWriter, logger *zap.Logger) *Capture {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Pipeline.Boundary == "" {
		opts.Pipeline.Boundary = MJPEG_FRAME_BOUNDARY
	}
	if track == nil {
		opts.Pipeline.H264Port = 0
	}
	return &Capture{
		opts:     opts,
		logger:   logger.Named("camera"),
		streamer: streamer.NewStreamer[Chunk](BUFFERED_CHUNKS),
		track:    track,
	}
}

func (c *Capture) Streamer() *streamer.Streamer[Chunk] {
	return c.streamer
}

func (c *Capture) Boundary() string {
	return c.opts.Pipeline.Boundary
}

// Run blocks until ctx is done or a part of the capture fails.
func (c *Capture) Run(ctx context.Context) error {
	if c.opts.Pipeline.Source == SourcePattern {
		return c.runPattern(ctx)
	}

	pipeline, err := gstpipeline.Build(c.opts.Pipeline)
	if err != nil {
		c.abort()
		return err
	}
	// the sockets must be bound before gstreamer tries to connect
	var mjpegSoc, h264Soc net.Listener
	if port := c.opts.Pipeline.MjpegPort; port != 0 {
		if mjpegSoc, err = listen(ctx, port); err != nil {
			c.abort()
			return err
		}
	}
	if port := c.opts.Pipeline.H264Port; port != 0 {
		if h264Soc, err = listen(ctx, port); err != nil {
			if mjpegSoc != nil {
				mjpegSoc.Close()
			}
			c.abort()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.streamer.Run(ctx)
		return nil
	})
	if mjpegSoc != nil {
		g.Go(func() error {
			return serveTcpSocket(ctx, mjpegSoc, c.logger, func(r io.Reader) error {
				return ConsumeMJPEG(r, c.opts.Pipeline.Boundary, c.streamer)
			})
		})
	}
	if h264Soc != nil {
		frameDuration := time.Second / time.Duration(c.opts.FrameRate)
		g.Go(func() error {
			return serveTcpSocket(ctx, h264Soc, c.logger, func(r io.Reader) error {
				return ConsumeH264(r, c.track, frameDuration)
			})
		})
	}
	g.Go(func() error {
		return gstpipeline.Run(ctx, pipeline, c.logger)
	})
	return g.Wait()
}

func (c *Capture) runPattern(ctx context.Context) error {
	pattern := TestPattern{
		Width:    int(c.opts.Pipeline.ScaleWidth),
		Height:   int(c.opts.Pipeline.ScaleHeight),
		Params:   TEST_PATTERN_PARAMS,
		Interval: time.Second / time.Duration(c.opts.FrameRate),
		Boundary: c.opts.Pipeline.Boundary,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.streamer.Run(ctx)
		return nil
	})
	g.Go(func() error { return pattern.Run(ctx, c.streamer) })
	return g.Wait()
}

// abort stops the never started streamer so waiting viewers are released.
func (c *Capture) abort() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.streamer.Run(ctx)
}

func listen(ctx context.Context, port uint) (net.Listener, error) {
	var lc net.ListenConfig
	soc, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("camera ingest: %w", err)
	}
	return soc, nil
}
