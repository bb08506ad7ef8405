package gstpipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildCsiPipeline(t *testing.T) {
	p, err := Build(Options{
		Source: SourceCsi, Sensor: IMX219, Index: 0,
		Width: 1920, Height: 1080, ScaleWidth: 320, ScaleHeight: 240,
		Quality: 80, Flip: FlipFor(true, true), Boundary: "frameboundary",
		MjpegPort: 9990, H264Port: 9991, BitrateKbps: 1000, KeyInterval: 30,
	})
	require.NoError(t, err)
	require.Len(t, p.Setup, 1)
	assert.Contains(t, p.Setup[0], "imx219 6-0010")
	assert.Contains(t, p.Launch, "v4l2src device=/dev/video2")
	assert.Contains(t, p.Launch, "tiovxmultiscaler ! video/x-raw, width=320, height=240")
	assert.Contains(t, p.Launch, "videoflip method=rotate-180")
	assert.Contains(t, p.Launch, "tee name=split split. ! queue ! jpegenc quality=80")
	assert.Contains(t, p.Launch, "multipartmux boundary=frameboundary ! tcpclientsink host=127.0.0.1 port=9990")
	assert.Contains(t, p.Launch, "x264enc tune=zerolatency")
	assert.Contains(t, p.Launch, "tcpclientsink host=127.0.0.1 port=9991")
}

func TestBuildSingleOutput(t *testing.T) {
	p, err := Build(Options{Source: SourceUsb, Width: 640, Height: 480, ScaleWidth: 320, ScaleHeight: 240, Quality: 50, Boundary: "b", MjpegPort: 9990})
	require.NoError(t, err)
	assert.Empty(t, p.Setup)
	assert.NotContains(t, p.Launch, "tee")
	assert.NotContains(t, p.Launch, "videoflip")
	assert.Contains(t, p.Launch, "image/jpeg, width=640, height=480 ! jpegdec")

	p, err = Build(Options{Source: SourceTest, ScaleWidth: 320, ScaleHeight: 240, H264Port: 9991})
	require.NoError(t, err)
	assert.NotContains(t, p.Launch, "jpegenc")
	assert.Contains(t, p.Launch, "videotestsrc")
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(Options{Source: SourceTest})
	assert.Error(t, err)
	_, err = Build(Options{Source: "firewire", MjpegPort: 1})
	assert.Error(t, err)
}

func TestFlipFor(t *testing.T) {
	assert.Equal(t, FlipNone, FlipFor(false, false))
	assert.Equal(t, FlipHorizontal, FlipFor(true, false))
	assert.Equal(t, FlipVertical, FlipFor(false, true))
}

func TestRunFailingSetup(t *testing.T) {
	err := Run(context.Background(), Pipeline{Setup: []string{"exit 3"}, Launch: "true"}, zaptest.NewLogger(t))
	assert.Error(t, err)
	assert.NoError(t, Run(context.Background(), Pipeline{Launch: "true"}, zaptest.NewLogger(t)))
}
