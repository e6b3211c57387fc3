package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"serenity/companion/internal/callws"
)

// callsim plays the browser side of a call from the terminal: it mints a
// call, answers recognition and playback commands, and speaks the scripted
// lines one per listening turn.
func main() {
	server := flag.String("server", "http://localhost:8080", "Companion HTTP base URL")
	device := flag.String("device", "callsim-"+time.Now().Format("150405"), "Device id for the call session")
	say := flag.String("say", "Hi there|I've been feeling a bit low lately", "Lines to speak, separated by |")
	voice := flag.String("voice", "Samantha", "Voice reported in hello")
	mobile := flag.Bool("mobile", false, "Report a mobile client")
	msPerChar := flag.Duration("ms-per-char", 40*time.Millisecond, "Simulated playback time per character")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL, callID, err := createCall(ctx, *server, *device)
	if err != nil {
		log.Fatalf("create call: %v", err)
	}
	fmt.Printf("=== Call Simulator ===\n")
	fmt.Printf("Call: %s\n", callID)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("dial call socket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sim := &simulator{
		conn:      conn,
		callID:    callID,
		lines:     splitLines(*say),
		msPerChar: *msPerChar,
	}
	sim.send(ctx, callws.TypeHello, "", map[string]any{
		"voices": []map[string]any{{"name": *voice, "lang": "en-US"}},
		"mobile": *mobile,
	})

	for {
		var m callws.Message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			if ctx.Err() != nil {
				fmt.Println("[*] Timeout or interrupt")
			} else {
				fmt.Printf("[*] Socket closed: %v\n", err)
			}
			return
		}
		if done := sim.handle(ctx, m); done {
			fmt.Println("[*] Call ended")
			return
		}
	}
}

type simulator struct {
	conn      *websocket.Conn
	callID    string
	msPerChar time.Duration

	mu       sync.Mutex
	lines    []string
	speaking int
	ending   bool
	seq      int64
}

func (s *simulator) handle(ctx context.Context, m callws.Message) bool {
	ts := time.Now().Format("15:04:05.000")
	switch m.Type {
	case callws.CmdRecognitionStart:
		fmt.Printf("[%s] <- recognition.start\n", ts)
		s.send(ctx, callws.TypeRecognitionStarted, "", nil)
		if line, ok := s.nextLine(); ok {
			go func() {
				time.Sleep(300 * time.Millisecond)
				fmt.Printf("[%s] -> final: %q\n", time.Now().Format("15:04:05.000"), line)
				s.send(ctx, callws.TypeRecognitionFinal, "", map[string]any{"text": line})
			}()
		}
	case callws.CmdRecognitionStop, callws.CmdRecognitionAbort:
		fmt.Printf("[%s] <- %s\n", ts, m.Type)
		s.send(ctx, callws.TypeRecognitionEnded, "", nil)
	case callws.CmdSpeechSpeak:
		text := m.Text("text")
		fmt.Printf("[%s] <- speak (%s): %q\n", ts, m.Text("voice"), text)
		s.play(ctx, m.UtteranceID, len(text))
	case callws.CmdAudioPlay:
		audio, _ := base64.StdEncoding.DecodeString(m.Text("audio"))
		fmt.Printf("[%s] <- audio.play: %d bytes %s\n", ts, len(audio), m.Text("content_type"))
		// Roughly 16KB per second of 128kbps MP3.
		s.play(ctx, m.UtteranceID, len(audio)/400)
	case callws.CmdAudioStop, callws.CmdSpeechCancel:
		fmt.Printf("[%s] <- %s %s\n", ts, m.Type, m.UtteranceID)
	case callws.CmdState:
		fmt.Printf("[%s] <- state: %s listening=%v %q\n", ts, m.Text("callStatus"), m.Bool("isListening"), m.Text("transcript"))
	case callws.CmdEnded:
		return true
	default:
		fmt.Printf("[%s] <- %s\n", ts, m.Type)
	}
	return false
}

// play acknowledges playback as a browser would, then ends the call once
// the script is exhausted and nothing is playing.
func (s *simulator) play(ctx context.Context, utteranceID string, units int) {
	s.mu.Lock()
	s.speaking++
	s.mu.Unlock()
	s.send(ctx, callws.TypePlaybackStarted, utteranceID, nil)
	go func() {
		select {
		case <-time.After(time.Duration(units) * s.msPerChar):
		case <-ctx.Done():
			return
		}
		s.send(ctx, callws.TypePlaybackEnded, utteranceID, nil)

		s.mu.Lock()
		s.speaking--
		end := s.speaking == 0 && len(s.lines) == 0 && !s.ending
		if end {
			s.ending = true
		}
		s.mu.Unlock()
		if end {
			time.Sleep(time.Second)
			fmt.Println("[*] Script done, ending call")
			s.send(ctx, callws.TypeEndCall, "", nil)
		}
	}()
}

func (s *simulator) nextLine() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return "", false
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, true
}

func (s *simulator) send(ctx context.Context, typ, utteranceID string, payload map[string]any) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	err := wsjson.Write(ctx, s.conn, callws.Message{
		Type:        typ,
		TsMs:        time.Now().UnixMilli(),
		CallID:      s.callID,
		Seq:         seq,
		UtteranceID: utteranceID,
		Payload:     payload,
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("send %s: %v", typ, err)
	}
}

func createCall(ctx context.Context, server, device string) (wsURL, callID string, err error) {
	body, _ := json.Marshal(map[string]string{"deviceId": device})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var out struct {
		CallID string `json:"call_id"`
		WSURL  string `json:"ws_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return out.WSURL, out.CallID, nil
}

func splitLines(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
