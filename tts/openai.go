package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenAIURL = "https://api.openai.com/v1/audio/speech"
	DefaultModel     = "tts-1"

	// OpenAI's "pcm" response format: raw 24 kHz 16-bit little-endian mono.
	pcmSampleRate = 24000

	minSpeed = 0.25
	maxSpeed = 4.0
)

type OpenAI struct {
	apiKey     string
	url        string
	model      string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

type Option func(*OpenAI)

func WithURL(url string) Option          { return func(o *OpenAI) { o.url = url } }
func WithModel(model string) Option      { return func(o *OpenAI) { o.model = model } }
func WithTimeout(d time.Duration) Option { return func(o *OpenAI) { o.client.Timeout = d } }
func WithRetries(n int, d time.Duration) Option {
	return func(o *OpenAI) { o.maxRetries, o.retryDelay = n, d }
}

func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	o := &OpenAI{
		apiKey:     apiKey,
		url:        DefaultOpenAIURL,
		model:      DefaultModel,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type speechRequest struct {
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Input          string  `json:"input"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

func (o *OpenAI) Synthesize(ctx context.Context, req Request) (Audio, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	speed := req.Speed
	if speed != 0 {
		speed = min(max(speed, minSpeed), maxSpeed)
	}
	body, err := json.Marshal(speechRequest{
		Model:          o.model,
		Voice:          req.VoiceID,
		Input:          text,
		ResponseFormat: "pcm",
		Speed:          speed,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("tts: marshal: %w", err)
	}

	resp, err := o.doWithRetry(ctx, body)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("tts: read response: %w", err)
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return Audio{Samples: samples, SampleRate: pcmSampleRate, Channels: 1}, nil
}

func (o *OpenAI) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.retryDelay * time.Duration(attempt)):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("tts: create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("tts: request: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		apiErr := parseError(resp)
		resp.Body.Close()
		lastErr = apiErr
		var ae *APIError
		if errors.As(apiErr, &ae) && !ae.Retryable() {
			return nil, apiErr
		}
	}
	return nil, lastErr
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Code
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Code: code}
}
