package recognition

import "errors"

// ErrAlreadyStarted is returned by a Recognizer asked to start while a
// session is running. The controller absorbs it.
var ErrAlreadyStarted = errors.New("recognition already started")

// Class groups platform error kinds by how the controller reacts.
type Class int

const (
	Transient Class = iota
	Recoverable
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "recoverable"
	}
}

// Platform error kinds.
const (
	KindNoSpeech          = "no-speech"
	KindAborted           = "aborted"
	KindAudioCapture      = "audio-capture"
	KindNetwork           = "network"
	KindNotAllowed        = "not-allowed"
	KindServiceNotAllowed = "service-not-allowed"
	KindUnsupported       = "unsupported"
)

// ClassifyError maps a platform error kind to its class. Unknown kinds are
// recoverable.
func ClassifyError(kind string) Class {
	switch kind {
	case KindNoSpeech, KindAborted:
		return Transient
	case KindNotAllowed, KindServiceNotAllowed, KindUnsupported:
		return Fatal
	default:
		return Recoverable
	}
}

// User-facing status texts.
const (
	StatusConnecting     = "Connecting..."
	StatusConnected      = "Connected"
	StatusReconnecting   = "Reconnecting..."
	StatusMicNotFound    = "Microphone not found"
	StatusNetwork        = "Network error - check connection"
	StatusPermission     = "Microphone permission denied"
	StatusUnsupported    = "Speech recognition not supported in this browser. Try Chrome or Firefox."
	StatusTapToReconnect = "Tap 'Start Listening' to reconnect"
)

func statusFor(kind string) string {
	switch kind {
	case KindAudioCapture:
		return StatusMicNotFound
	case KindNetwork:
		return StatusNetwork
	case KindNotAllowed, KindServiceNotAllowed:
		return StatusPermission
	case KindUnsupported:
		return StatusUnsupported
	default:
		return StatusReconnecting
	}
}
