package camera

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"rover/streamer"
)

const MJPEG_FRAME_BOUNDARY = "frameboundary"
const CONNECTION_TIMEOUT = 1 * time.Second
const CLIENT_BUFFERED_CHUNKS = 64

// MJPEGHandler streams the multipart byte stream to every viewer. A viewer
// that gets nothing for timeout is dropped.
func MJPEGHandler(s *streamer.Streamer[Chunk], boundary string, timeout time.Duration, logger *zap.Logger) http.HandlerFunc {
	if timeout <= 0 {
		timeout = CONNECTION_TIMEOUT
	}
	return func(rw http.ResponseWriter, req *http.Request) {
		client := s.NewClient(CLIENT_BUFFERED_CHUNKS)
		if client == nil {
			http.Error(rw, "camera is not running", http.StatusServiceUnavailable)
			return
		}
		defer client.Close()
		logger.Info("mjpeg viewer connected", zap.String("remote", req.RemoteAddr))
		defer logger.Info("mjpeg viewer disconnected", zap.String("remote", req.RemoteAddr))

		rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
		rw.Header().Set("Cache-Control", "no-cache")
		flusher, _ := rw.(http.Flusher)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			var chunk *Chunk
			var ok bool
			select {
			case <-req.Context().Done():
				return
			case <-timer.C:
				logger.Info("lost stream for viewer", zap.String("remote", req.RemoteAddr))
				return
			case chunk, ok = <-client.C:
			}
			if !ok {
				return
			}
			timer.Reset(timeout)
			if _, err := rw.Write(chunk.Data); err != nil {
				logger.Debug("cannot write to viewer", zap.String("remote", req.RemoteAddr), zap.Error(err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
