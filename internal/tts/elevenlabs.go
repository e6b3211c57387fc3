package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"serenity/companion/internal/logging"
	"serenity/companion/internal/speech"
)

const ElevenLabsBaseURL = "https://api.elevenlabs.io"

type ElevenLabsConfig struct {
	BaseURL  string
	APIKey   string
	VoiceID  string
	Model    string
	Attempts int
}

// ElevenLabs calls the text-to-speech REST endpoint and returns MP3.
type ElevenLabs struct {
	cfg   ElevenLabsConfig
	httpc *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ElevenLabsBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	return &ElevenLabs{cfg: cfg, httpc: &http.Client{Timeout: 30 * time.Second}}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	if e.cfg.APIKey == "" || e.cfg.VoiceID == "" {
		return speech.Audio{}, ErrNotConfigured
	}
	body := map[string]any{"text": text}
	if e.cfg.Model != "" {
		body["model_id"] = e.cfg.Model
	}
	reqBytes, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_44100_128", e.cfg.BaseURL, e.cfg.VoiceID)

	for i := 0; i < e.cfg.Attempts; i++ {
		audio, retry, err := e.post(ctx, url, reqBytes)
		if err == nil {
			return audio, nil
		}
		if !retry || i == e.cfg.Attempts-1 {
			return speech.Audio{}, err
		}
		logging.Debugw("tts: elevenlabs attempt failed", "attempt", i+1, "err", err)
		select {
		case <-ctx.Done():
			return speech.Audio{}, ctx.Err()
		case <-time.After(time.Duration(200*(1<<i)) * time.Millisecond):
		}
	}
	return speech.Audio{}, fmt.Errorf("no response from elevenlabs")
}

// post performs one request and reports whether a failure is worth retrying.
func (e *ElevenLabs) post(ctx context.Context, url string, body []byte) (speech.Audio, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return speech.Audio{}, false, err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("accept", "audio/mpeg")
	req.Header.Set("content-type", "application/json")
	resp, err := e.httpc.Do(req)
	if err != nil {
		return speech.Audio{}, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return speech.Audio{}, resp.StatusCode >= 500, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Audio{}, true, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		ct = "audio/mpeg"
	}
	return speech.Audio{Data: data, ContentType: ct}, false, nil
}

// Check verifies the API key against the user endpoint.
func (e *ElevenLabs) Check(ctx context.Context) error {
	if e.cfg.APIKey == "" {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/v1/user", nil)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	resp, err := e.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("elevenlabs status %d", resp.StatusCode)
	}
	return nil
}
