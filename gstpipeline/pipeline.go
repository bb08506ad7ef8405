package gstpipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

type Source string

const (
	SourceCsi  Source = "csi"
	SourceUsb  Source = "usb"
	SourceTest Source = "test"
)

// Options describe one camera and where its encoded streams go. A zero
// port disables that output.
type Options struct {
	Source      Source
	Sensor      Sensor
	Index       uint
	Width       uint
	Height      uint
	ScaleWidth  uint
	ScaleHeight uint
	Quality     uint
	Flip        Flip
	Boundary    string
	MjpegPort   uint
	H264Port    uint
	BitrateKbps uint
	KeyInterval uint
}

// Pipeline is a gst-launch command line plus the shell commands that must
// succeed before it starts.
type Pipeline struct {
	Setup  []string
	Launch string
}

func (p Pipeline) String() string {
	return p.Launch
}

// Build assembles the capture pipeline. The raw frames are scaled once,
// then teed into a jpeg branch and an h264 branch.
func Build(o Options) (Pipeline, error) {
	if o.MjpegPort == 0 && o.H264Port == 0 {
		return Pipeline{}, fmt.Errorf("camera pipeline has no output")
	}
	var p Pipeline
	launch := GStreamerLaunch()
	switch o.Source {
	case SourceCsi:
		p.Setup = append(p.Setup, CsiCameraSetup(o.Sensor, o.Index, o.Width, o.Height))
		launch += CsiCameraV4l2Source(o.Index) +
			CsiCameraConfig(o.Index, o.Sensor, o.Width, o.Height) +
			TiOvxMultiscaler(o.ScaleWidth, o.ScaleHeight)
	case SourceUsb:
		launch += UsbJpegCameraV4l2Source(o.Index) +
			UsbJpegCameraConfig(o.Width, o.Height) +
			JpegDecode() +
			VideoScale(o.ScaleWidth, o.ScaleHeight)
	case SourceTest:
		launch += VideoTestSource(o.ScaleWidth, o.ScaleHeight)
	default:
		return Pipeline{}, fmt.Errorf("unknown camera source %q", o.Source)
	}
	launch += VideoFlip(o.Flip)

	mjpeg := JpegEncode(o.Quality) + MjpegTcpStreamLocalhost(o.Boundary, o.MjpegPort)
	h264 := VideoConvertI420() + H264Encode(o.BitrateKbps, o.KeyInterval) + TcpStreamLocalhost(o.H264Port)
	switch {
	case o.H264Port == 0:
		launch += mjpeg
	case o.MjpegPort == 0:
		launch += h264
	default:
		launch += Tee("split") + TeeBranch("split", mjpeg) + TeeBranch("split", h264)
	}
	p.Launch = launch
	return p, nil
}

// Run executes the setup commands and then blocks on gst-launch until it
// exits or ctx is done.
func Run(ctx context.Context, p Pipeline, logger *zap.Logger) error {
	for _, setup := range p.Setup {
		cmd := exec.CommandContext(ctx, "bash", "-c", setup)
		logger.Info("camera setup", zap.String("cmd", strings.Join(cmd.Args, " ")))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("camera setup %q: %w: %s", setup, err, out)
		}
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", p.Launch)
	logger.Info("starting gstreamer pipeline", zap.String("cmd", strings.Join(cmd.Args, " ")))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("gstreamer pipeline: %w", err)
	}
	return nil
}
