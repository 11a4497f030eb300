package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CameraConfig describes one camera endpoint. SnapshotURL takes a static
// JPEG; StreamURL reads a single frame out of an MJPEG stream. When neither
// is set the default snapshot CGI path of the camera firmware is used.
type CameraConfig struct {
	Address     string
	Username    string
	Password    string
	SnapshotURL string
	StreamURL   string
}

// Service obtains one image of a meter's face. Implementations must honour
// the caller-supplied context deadline so a stalled camera cannot block a
// polling loop indefinitely.
type Service interface {
	Capture(ctx context.Context, cam CameraConfig) ([]byte, error)
}

// ErrNoFrame indicates the source answered but produced no usable JPEG frame.
var ErrNoFrame = errors.New("capture: no usable frame")

var (
	jpegStart = []byte{0xff, 0xd8}
	jpegEnd   = []byte{0xff, 0xd9}
)

// maxStreamBytes bounds how much of an MJPEG stream is read while hunting for
// a complete frame.
const maxStreamBytes = 600 * 1024

// HTTPCapture grabs frames over HTTP from cameras running snapshot-capable
// firmware.
type HTTPCapture struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPCapture builds a capture service with the given per-request timeout.
func NewHTTPCapture(timeout time.Duration, logger zerolog.Logger) *HTTPCapture {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCapture{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

// Capture fetches one JPEG frame from the camera.
func (h *HTTPCapture) Capture(ctx context.Context, cam CameraConfig) ([]byte, error) {
	url, streaming := cam.sourceURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: build request: %w", err)
	}
	if cam.Username != "" {
		req.SetBasicAuth(cam.Username, cam.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture: camera returned status %d", resp.StatusCode)
	}

	var frame []byte
	if streaming {
		// Only the endless stream read is bounded; a static snapshot is
		// read whole, whatever its size.
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStreamBytes))
		if err != nil {
			return nil, fmt.Errorf("capture: read stream: %w", err)
		}
		frame, err = extractJPEGFrame(raw)
		if err != nil {
			return nil, err
		}
	} else {
		frame, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("capture: read body: %w", err)
		}
	}
	if !isJPEG(frame) {
		return nil, ErrNoFrame
	}
	h.logger.Debug().Str("url", url).Int("bytes", len(frame)).Msg("frame captured")
	return frame, nil
}

// sourceURL resolves the effective capture URL and whether it is a stream.
func (c CameraConfig) sourceURL() (string, bool) {
	if c.StreamURL != "" {
		return c.StreamURL, true
	}
	if c.SnapshotURL != "" {
		return c.SnapshotURL, false
	}
	return fmt.Sprintf("http://%s/cgi-bin/currentpic.cgi", c.Address), false
}

// extractJPEGFrame scans MJPEG stream bytes for the first complete frame
// delimited by the JPEG SOI/EOI markers.
func extractJPEGFrame(data []byte) ([]byte, error) {
	start := bytes.Index(data, jpegStart)
	if start < 0 {
		return nil, ErrNoFrame
	}
	end := bytes.Index(data[start+len(jpegStart):], jpegEnd)
	if end < 0 {
		return nil, ErrNoFrame
	}
	return data[start : start+len(jpegStart)+end+len(jpegEnd)], nil
}

func isJPEG(data []byte) bool {
	return len(data) > len(jpegStart) && bytes.HasPrefix(data, jpegStart)
}
