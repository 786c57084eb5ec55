package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad/energy"
)

var cfg = vad.Config{SampleRate: 8000, FrameSizeMs: 20, SpeechThreshold: 500, SilenceThreshold: 300, OnsetFrames: 2}

// frame returns one 20 ms 8 kHz frame with a square wave of the given amplitude.
func frame(amp int16) []byte {
	b := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func mustSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestClassify_OnsetAndHysteresis(t *testing.T) {
	t.Parallel()
	s := mustSession(t)

	steps := []struct {
		amp  int16
		want vad.Decision
	}{
		{0, vad.Silence},
		{1000, vad.Silence}, // first loud frame: onset not reached
		{1000, vad.Speech},
		{400, vad.Speech}, // between thresholds: still speaking
		{100, vad.Silence},
		{400, vad.Silence}, // below speech threshold when idle
	}
	for i, st := range steps {
		res, err := s.Classify(frame(st.amp))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Decision != st.want {
			t.Errorf("step %d (amp %d): decision = %v, want %v", i, st.amp, res.Decision, st.want)
		}
	}
}

func TestClassify_FrameSize(t *testing.T) {
	t.Parallel()
	s := mustSession(t)
	if _, err := s.Classify(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Fatalf("err = %v, want ErrFrameSize", err)
	}
}

func TestClassify_AfterClose(t *testing.T) {
	t.Parallel()
	s := mustSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.Classify(frame(0)); !errors.Is(err, vad.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	s := mustSession(t)
	s.Classify(frame(1000))
	s.Classify(frame(1000))
	s.Reset()
	res, _ := s.Classify(frame(400))
	if res.IsSpeech() {
		t.Error("expected silence after Reset")
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := energy.New().NewSession(vad.Config{SampleRate: 8000, FrameSizeMs: 20, SpeechThreshold: 100, SilenceThreshold: 200})
	if err == nil {
		t.Fatal("expected error when silence threshold exceeds speech threshold")
	}
}
