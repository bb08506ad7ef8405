package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"go.uber.org/zap"

	"rover/streamer"
)

const CHUNK_SIZE = 64 * 1024
const MAX_FRAME_SIZE = 4 * 1024 * 1024

// Chunk is one part of the multipart MJPEG byte stream, boundary included,
// so viewers can forward it as is.
type Chunk struct {
	Data []byte
}

// SampleWriter receives H264 access units. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// serveTcpSocket accepts one producer at a time on soc until ctx is done.
// gstreamer reconnects after restarts, so a closed producer is not an
// error.
func serveTcpSocket(ctx context.Context, soc net.Listener, logger *zap.Logger, consume func(io.Reader) error) error {
	address := soc.Addr().String()
	stopAccept := context.AfterFunc(ctx, func() { soc.Close() })
	defer stopAccept()

	for {
		logger.Debug("waiting for input stream", zap.String("address", address))
		conn, err := soc.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("accepted input stream", zap.String("address", address))
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		if err := consume(conn); err != nil && ctx.Err() == nil {
			logger.Warn("input stream failed", zap.String("address", address), zap.Error(err))
		}
		stop()
		conn.Close()
		logger.Info("input stream closed", zap.String("address", address))
	}
}

// ConsumeMJPEG forwards the multipart stream to s one part at a time, so a
// viewer that falls behind misses whole frames rather than pieces of one.
// Bytes before the first boundary are skipped.
func ConsumeMJPEG(r io.Reader, boundary string, s *streamer.Streamer[Chunk]) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, CHUNK_SIZE), MAX_FRAME_SIZE)
	scanner.Split(splitParts([]byte("--" + boundary)))
	for scanner.Scan() {
		chunk := &Chunk{Data: append([]byte(nil), scanner.Bytes()...)}
		if !s.Broadcast(chunk) {
			return nil
		}
	}
	return scanner.Err()
}

// splitParts yields the stream from each delimiter up to the next one.
func splitParts(delim []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		start := bytes.Index(data, delim)
		if start < 0 {
			if atEOF {
				return len(data), nil, nil
			}
			// keep a tail that may hold the start of a delimiter
			if skip := len(data) - len(delim) + 1; skip > 0 {
				return skip, nil, nil
			}
			return 0, nil, nil
		}
		if next := bytes.Index(data[start+len(delim):], delim); next >= 0 {
			end := start + len(delim) + next
			return end, data[start:end], nil
		}
		if atEOF {
			return len(data), data[start:], nil
		}
		return start, nil, nil
	}
}

// ConsumeH264 splits an Annex B byte stream into NAL units and writes them
// to the track. Only slices advance the sample clock.
func ConsumeH264(r io.Reader, track SampleWriter, frameDuration time.Duration) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return err
	}
	for {
		nal, err := reader.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var duration time.Duration
		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceNonIdr, h264reader.NalUnitTypeCodedSliceIdr:
			duration = frameDuration
		}
		if err := track.WriteSample(media.Sample{Data: nal.Data, Duration: duration}); err != nil {
			return err
		}
	}
}
