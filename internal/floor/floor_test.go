package floor

import "testing"

func TestBargeInTriggersStop(t *testing.T) {
    f := New()
    f.OnSynthesisStarting("u1")
    d := f.OnUserSpeech()
    if !d.StopSynthesis || d.Reason != "barge_in" || d.StopUtteranceID != "u1" {
        t.Fatalf("expected stop on barge-in, got %+v", d)
    }
    if f.Speaking() {
        t.Fatalf("floor should be released after barge-in")
    }
}

func TestUserSpeechWhileIdleDoesNothing(t *testing.T) {
    f := New()
    d := f.OnUserSpeech()
    if d.StopSynthesis {
        t.Fatalf("should not stop when idle")
    }
}

func TestSynthesisRequiresRecognitionAbort(t *testing.T) {
    f := New()
    f.OnRecognitionStarted()
    if f.MicState() != MicListening {
        t.Fatalf("expected listening, got %s", f.MicState())
    }
    d := f.OnSynthesisStarting("u1")
    if !d.AbortRecognition {
        t.Fatalf("synthesis must abort recognition")
    }
    if f.MicState() != MicSuppressed || f.SpeakState() != SpeakSpeaking {
        t.Fatalf("got mic=%s speak=%s", f.MicState(), f.SpeakState())
    }
}

func TestRecognitionStartWhileSpeakingIsRejected(t *testing.T) {
    f := New()
    f.OnSynthesisStarting("u1")
    d := f.OnRecognitionStarted()
    if !d.AbortRecognition {
        t.Fatalf("late recognition start must be aborted")
    }
    if f.MicState() == MicListening {
        t.Fatalf("mic listening while assistant speaking")
    }
}

func TestStaleStopIgnored(t *testing.T) {
    f := New()
    f.OnSynthesisStarting("u2")
    if f.OnSynthesisStopped("u1") {
        t.Fatalf("stale utterance id should not release the floor")
    }
    if !f.OnSynthesisStopped("u2") {
        t.Fatalf("active utterance should release the floor")
    }
    if f.SpeakState() != SpeakIdle || f.MicState() != MicStopped {
        t.Fatalf("got mic=%s speak=%s", f.MicState(), f.SpeakState())
    }
}

func TestNoStateListensAndSpeaks(t *testing.T) {
    f := New()
    steps := []func(){
        func() { f.OnRecognitionStarted() },
        func() { f.OnSynthesisStarting("a") },
        func() { f.OnRecognitionStarted() },
        func() { f.OnUserSpeech() },
        func() { f.OnRecognitionStarted() },
        func() { f.OnRecognitionStopped() },
        func() { f.OnSynthesisStarting("b") },
        func() { f.OnSynthesisStopped("b") },
    }
    for i, step := range steps {
        step()
        if f.MicState() == MicListening && f.SpeakState() == SpeakSpeaking {
            t.Fatalf("step %d: listening and speaking at once", i)
        }
    }
}
