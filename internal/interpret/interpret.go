package interpret

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/meter"
)

// Request identifies the meter an image belongs to so the service can build a
// kind-specific prompt and interpret units correctly.
type Request struct {
	Meter          string
	Kind           meter.Kind
	UseCubicMeters bool
}

// Service turns a captured meter image into a structured reading. The core
// does not care how the numbers were produced (vision model, OCR, manual
// entry); it only requires a numeric total, a confidence tag and notes.
type Service interface {
	Interpret(ctx context.Context, image []byte, req Request) (meter.Reading, error)
}

// VisionClient posts images to an HTTP vision endpoint and decodes the JSON
// interpretation it returns.
type VisionClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewVisionClient builds a client for the configured interpretation endpoint.
func NewVisionClient(endpoint, apiKey, model string, timeout time.Duration, logger zerolog.Logger) *VisionClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &VisionClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "interpret").Logger(),
	}
}

type visionRequest struct {
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
	MediaType   string `json:"media_type"`
}

// Interpret sends the image to the vision endpoint and parses the reply.
func (v *VisionClient) Interpret(ctx context.Context, image []byte, req Request) (meter.Reading, error) {
	if len(image) == 0 {
		return meter.Reading{}, fmt.Errorf("interpret: empty image")
	}

	payload, err := json.Marshal(visionRequest{
		Model:       v.model,
		Prompt:      promptFor(req.Kind, req.UseCubicMeters),
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		MediaType:   "image/jpeg",
	})
	if err != nil {
		return meter.Reading{}, fmt.Errorf("interpret: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return meter.Reading{}, fmt.Errorf("interpret: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return meter.Reading{}, fmt.Errorf("interpret: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return meter.Reading{}, fmt.Errorf("interpret: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return meter.Reading{}, fmt.Errorf("interpret: service returned status %d", resp.StatusCode)
	}

	reading, err := parseInterpretation(body, req)
	if err != nil {
		return meter.Reading{}, err
	}
	v.logger.Debug().
		Str("meter", req.Meter).
		Float64("total", reading.TotalValue).
		Str("confidence", string(reading.Confidence)).
		Msg("image interpreted")
	return reading, nil
}
