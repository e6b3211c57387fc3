// Package call runs the turn-taking state machine of one voice call: it
// listens, decides when the user finished speaking, sends the utterance,
// speaks the reply, and never listens and speaks at the same time.
package call

import (
	"context"
	"time"

	"serenity/companion/internal/clock"
	"serenity/companion/internal/echo"
	"serenity/companion/internal/floor"
	"serenity/companion/internal/logging"
	"serenity/companion/internal/recognition"
	"serenity/companion/internal/speech"
	"serenity/companion/internal/utterance"
	"serenity/companion/internal/vad"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// AssistantMessage is a reply to be spoken. Only ID and Text are used.
type AssistantMessage struct {
	ID       string
	Text     string
	SpokenAt time.Time
}

// Message is one conversation entry as listed by the Conversation.
type Message struct {
	ID      string
	Role    string
	Content string
}

// Conversation is the message service. sessionKey is opaque to the call.
type Conversation interface {
	List(ctx context.Context, sessionKey string) ([]Message, error)
	Send(ctx context.Context, sessionKey, text string) (AssistantMessage, error)
	Clear(ctx context.Context, sessionKey string) error
}

// Speaker speaks one utterance; speech.Synthesizer implements it.
type Speaker interface {
	Speak(text string, cb speech.Callbacks) speech.CancelFunc
}

// Snapshot is the observable call-screen state.
type Snapshot struct {
	CallStatus  string           `json:"callStatus"`
	IsListening bool             `json:"isListening"`
	IsMuted     bool             `json:"isMuted"`
	IsSpeakerOn bool             `json:"isSpeakerOn"`
	Transcript  string           `json:"transcript"`
	State       State            `json:"state"`
	MicState    floor.MicState   `json:"micState"`
	SpeakState  floor.SpeakState `json:"speakState"`

	LastSentUtterance string `json:"lastSentUtterance"`
}

const StatusEnded = "Call ended"

type Config struct {
	SessionKey string

	Greeting      string
	GreetingDelay time.Duration

	// ResumeDelay is the wait between the end of assistant speech and
	// restarting recognition.
	ResumeDelay         time.Duration
	InterUtteranceDelay time.Duration
	// SpeechTimeout bounds one utterance; a synthesizer that never reports
	// an end is treated as failed.
	SpeechTimeout time.Duration
	// ClearTimeout bounds the history clear issued at teardown.
	ClearTimeout time.Duration

	MobileRestartDelay   time.Duration
	MobileMinFinalLength int

	Debounce    utterance.Config
	Echo        echo.Config
	Recognition recognition.Config
	VAD         vad.Config
}

// DefaultConfig holds the tuned constants of the call screen.
func DefaultConfig() Config {
	return Config{
		Greeting:             "Hi, I'd like to talk",
		GreetingDelay:        800 * time.Millisecond,
		ResumeDelay:          500 * time.Millisecond,
		InterUtteranceDelay:  300 * time.Millisecond,
		SpeechTimeout:        60 * time.Second,
		ClearTimeout:         5 * time.Second,
		MobileRestartDelay:   time.Second,
		MobileMinFinalLength: 10,
		Debounce: utterance.Config{
			Window:          500 * time.Millisecond,
			MinLength:       2,
			DuplicateWindow: 5 * time.Second,
		},
		Echo: echo.Config{
			Threshold: 0.5,
			Window:    3 * time.Second,
			History:   3,
		},
		Recognition: recognition.Config{
			RestartDelay: 500 * time.Millisecond,
			MaxBackoff:   8 * time.Second,
			MaxFailures:  3,
		},
		VAD: vad.Config{
			MinRMS:   0.04,
			MinStart: 3,
			Hangover: 10,
			Guard:    400 * time.Millisecond,
		},
	}
}

// Deps are the capabilities a call drives. Recognizer, Speaker and
// Conversation are required.
type Deps struct {
	Recognizer   recognition.Recognizer
	Speaker      Speaker
	Conversation Conversation
	Clock        clock.Clock
	Log          logging.Logger

	// Async runs blocking conversation calls. Defaults to a new goroutine.
	Async func(fn func())
	// OnChange receives the snapshot after every handled event that changed it.
	OnChange func(Snapshot)
	// OnEnded fires once after teardown and the history clear.
	OnEnded func()
	// Journal records notable events; optional.
	Journal func(typ string, payload map[string]any)
}
