package tts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"serenity/companion/internal/speech"
)

type fakeEngine struct {
	name  string
	audio speech.Audio
	err   error
}

func (f fakeEngine) Name() string { return f.name }

func (f fakeEngine) Synthesize(context.Context, string) (speech.Audio, error) {
	return f.audio, f.err
}

func TestServiceFirstSuccessWins(t *testing.T) {
	s := NewService(
		fakeEngine{name: "elevenlabs", err: ErrNotConfigured},
		fakeEngine{name: "edge", audio: speech.Audio{Data: []byte("mp3"), ContentType: "audio/mpeg"}},
	)
	a, err := s.Synthesize(context.Background(), "hello")
	if err != nil || string(a.Data) != "mp3" {
		t.Fatalf("audio = %q err = %v", a.Data, err)
	}
}

func TestServiceFallsBack(t *testing.T) {
	s := NewService(fakeEngine{name: "elevenlabs", err: errors.New("quota")}, fakeEngine{name: "edge"})
	if _, err := s.Synthesize(context.Background(), "hello"); !errors.Is(err, speech.ErrUseFallback) {
		t.Fatalf("err = %v, want ErrUseFallback", err)
	}
	if _, err := NewService().Synthesize(context.Background(), "hello"); !errors.Is(err, speech.ErrUseFallback) {
		t.Fatalf("no engines: err = %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "  "); !errors.Is(err, speech.ErrUseFallback) {
		t.Fatalf("empty text: err = %v", err)
	}
}

func TestElevenLabsRequest(t *testing.T) {
	var path, key, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("xi-api-key")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	}))
	defer srv.Close()

	e := NewElevenLabs(ElevenLabsConfig{BaseURL: srv.URL, APIKey: "secret", VoiceID: "rachel", Model: "eleven_turbo_v2"})
	a, err := e.Synthesize(context.Background(), "You are not alone.")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if path != "/v1/text-to-speech/rachel" || key != "secret" {
		t.Fatalf("path = %q key = %q", path, key)
	}
	if !strings.Contains(body, "You are not alone.") || !strings.Contains(body, "eleven_turbo_v2") {
		t.Fatalf("body = %s", body)
	}
	if a.ContentType != "audio/mpeg" || string(a.Data) != "ID3audio" {
		t.Fatalf("audio = %+v", a)
	}
}

func TestElevenLabsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	e := NewElevenLabs(ElevenLabsConfig{BaseURL: srv.URL, APIKey: "k", VoiceID: "v"})
	if _, err := e.Synthesize(context.Background(), "hi"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestElevenLabsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewElevenLabs(ElevenLabsConfig{BaseURL: srv.URL, APIKey: "k", VoiceID: "v", Attempts: 3})
	if _, err := e.Synthesize(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}
