package floor

// Owner is who currently holds the audio floor. Microphone and speaker state
// are both derived from it, so "listening while speaking" has no encoding.
type Owner int

const (
    None Owner = iota
    User
    Assistant
)

func (o Owner) String() string {
    switch o {
    case User:
        return "user"
    case Assistant:
        return "assistant"
    default:
        return "none"
    }
}

type MicState string

const (
    MicListening  MicState = "listening"
    MicSuppressed MicState = "suppressed"
    MicStopped    MicState = "stopped"
)

type SpeakState string

const (
    SpeakIdle     SpeakState = "idle"
    SpeakSpeaking SpeakState = "speaking"
)

// Decision is the action the caller must take after a floor change.
type Decision struct {
    AbortRecognition bool
    StopSynthesis    bool
    StopUtteranceID  string
    Reason           string // e.g. "barge_in"
}

type Manager struct {
    owner             Owner
    activeUtteranceID string
}

func New() *Manager { return &Manager{} }

func (m *Manager) Owner() Owner { return m.owner }

func (m *Manager) MicState() MicState {
    switch m.owner {
    case User:
        return MicListening
    case Assistant:
        return MicSuppressed
    default:
        return MicStopped
    }
}

func (m *Manager) SpeakState() SpeakState {
    if m.owner == Assistant {
        return SpeakSpeaking
    }
    return SpeakIdle
}

func (m *Manager) Speaking() bool { return m.owner == Assistant }

// ActiveUtterance is the id of the assistant utterance holding the floor.
func (m *Manager) ActiveUtterance() string { return m.activeUtteranceID }

// OnSynthesisStarting hands the floor to the assistant. Recognition must be
// aborted before the synthesis is allowed to start.
func (m *Manager) OnSynthesisStarting(utteranceID string) Decision {
    m.owner = Assistant
    m.activeUtteranceID = utteranceID
    return Decision{AbortRecognition: true}
}

// OnSynthesisStopped releases the assistant's floor. Stale ids are ignored.
func (m *Manager) OnSynthesisStopped(utteranceID string) bool {
    if m.owner != Assistant || (utteranceID != "" && utteranceID != m.activeUtteranceID) {
        return false
    }
    m.owner = None
    m.activeUtteranceID = ""
    return true
}

// OnRecognitionStarted gives the floor to the user unless the assistant holds it,
// in which case recognition must be aborted again.
func (m *Manager) OnRecognitionStarted() Decision {
    if m.owner == Assistant {
        return Decision{AbortRecognition: true, Reason: "assistant_speaking"}
    }
    m.owner = User
    return Decision{}
}

// OnRecognitionStopped marks the microphone stopped.
func (m *Manager) OnRecognitionStopped() {
    if m.owner == User {
        m.owner = None
    }
}

// OnUserSpeech is user speech (a recognition fragment or a voice-activity
// onset). While the assistant is speaking this is a barge-in.
func (m *Manager) OnUserSpeech() Decision {
    if m.owner != Assistant {
        return Decision{}
    }
    id := m.activeUtteranceID
    m.owner = None
    m.activeUtteranceID = ""
    return Decision{StopSynthesis: true, StopUtteranceID: id, Reason: "barge_in"}
}

// Reset returns to the initial state.
func (m *Manager) Reset() {
    m.owner = None
    m.activeUtteranceID = ""
}
