package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"serenity/companion/internal/speech"
)

// Edge shells out to the edge-tts command line tool.
type Edge struct {
	bin   string
	voice string
	rate  string
}

// NewEdge returns nil when bin cannot be found.
func NewEdge(bin, voice string) *Edge {
	if strings.TrimSpace(bin) == "" {
		return nil
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil
	}
	if voice == "" {
		voice = "en-US-AriaNeural"
	}
	return &Edge{bin: path, voice: voice, rate: "+0%"}
}

func (e *Edge) Name() string { return "edge" }

func (e *Edge) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	out := filepath.Join(os.TempDir(), "tts-"+uuid.NewString()+".mp3")
	defer os.Remove(out)

	cmd := exec.CommandContext(ctx, e.bin,
		"--voice", e.voice,
		"--rate="+e.rate,
		"--text", text,
		"--write-media", out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return speech.Audio{}, fmt.Errorf("edge-tts: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("read edge-tts output: %w", err)
	}
	return speech.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}
