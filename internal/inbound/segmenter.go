package inbound

import (
	"time"

	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// Finalize reasons reported on a [Segment].
const (
	ReasonSilence   = "silence"
	ReasonMaxBuffer = "max_buffer"
)

// Segment is one finalized span of caller speech.
type Segment struct {
	// PCM is 16-bit mono audio at the telephony rate, including the pre-roll
	// and the trailing silence.
	PCM []byte

	// Start and End are offsets from the beginning of the stream.
	Start time.Duration
	End   time.Duration

	// Speech is the total duration of frames classified as speech.
	Speech time.Duration

	Reason string
}

// segmenter turns a stream of fixed-size PCM frames into speech segments. It
// is driven by a single goroutine.
type segmenter struct {
	vad             vad.SessionHandle
	frameBytes      int
	frameDur        time.Duration
	requiredSilence time.Duration
	maxBufferBytes  int
	preRollFrames   int

	pos      time.Duration
	partial  []byte
	preRoll  [][]byte
	speaking bool
	start    time.Duration
	buf      []byte
	speech   time.Duration
	silence  time.Duration
}

func newSegmenter(v vad.SessionHandle, cfg Config) *segmenter {
	frameDur := time.Duration(cfg.FrameMs) * time.Millisecond
	return &segmenter{
		vad:             v,
		frameBytes:      audio.Telephony.Bytes(frameDur),
		frameDur:        frameDur,
		requiredSilence: cfg.RequiredSilence,
		maxBufferBytes:  cfg.MaxBufferBytes,
		preRollFrames:   int(cfg.PreRoll / frameDur),
	}
}

// frameEvent is what the segmenter reports for one classified frame.
type frameEvent struct {
	// onset is true on the frame that started a new utterance.
	onset bool

	// speaking reports whether an utterance is in progress after the frame.
	speaking bool

	// speech is the speech duration accumulated in the current utterance.
	speech time.Duration

	// segment is set when the frame finalized an utterance.
	segment *Segment
}

// write appends pcm and classifies every complete frame. fn is called once per
// frame, in order. Classification errors skip the frame.
func (s *segmenter) write(pcm []byte, fn func(frameEvent)) error {
	s.partial = append(s.partial, pcm...)
	var firstErr error
	off := 0
	for len(s.partial)-off >= s.frameBytes {
		frame := s.partial[off : off+s.frameBytes]
		off += s.frameBytes
		ev, err := s.frame(frame)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fn(ev)
	}
	s.partial = append(s.partial[:0], s.partial[off:]...)
	return firstErr
}

func (s *segmenter) frame(frame []byte) (frameEvent, error) {
	res, err := s.vad.Classify(frame)
	offset := s.pos
	s.pos += s.frameDur
	if err != nil {
		return frameEvent{}, err
	}

	if !s.speaking {
		if !res.IsSpeech() {
			s.pushPreRoll(frame)
			return frameEvent{}, nil
		}
		s.speaking = true
		s.start = offset - time.Duration(len(s.preRoll))*s.frameDur
		s.buf = s.buf[:0]
		for _, f := range s.preRoll {
			s.buf = append(s.buf, f...)
		}
		s.preRoll = s.preRoll[:0]
		s.buf = append(s.buf, frame...)
		s.speech = s.frameDur
		s.silence = 0
		return frameEvent{onset: true, speaking: true, speech: s.speech}, nil
	}

	s.buf = append(s.buf, frame...)
	if res.IsSpeech() {
		s.speech += s.frameDur
		s.silence = 0
	} else {
		s.silence += s.frameDur
	}

	switch {
	case s.silence >= s.requiredSilence:
		return frameEvent{segment: s.finalize(ReasonSilence)}, nil
	case s.maxBufferBytes > 0 && len(s.buf) >= s.maxBufferBytes:
		return frameEvent{segment: s.finalize(ReasonMaxBuffer)}, nil
	}
	return frameEvent{speaking: true, speech: s.speech}, nil
}

func (s *segmenter) finalize(reason string) *Segment {
	seg := &Segment{
		PCM:    append([]byte(nil), s.buf...),
		Start:  s.start,
		End:    s.pos,
		Speech: s.speech,
		Reason: reason,
	}
	s.speaking = false
	s.buf = s.buf[:0]
	s.speech = 0
	s.silence = 0
	return seg
}

func (s *segmenter) pushPreRoll(frame []byte) {
	if s.preRollFrames <= 0 {
		return
	}
	if len(s.preRoll) == s.preRollFrames {
		copy(s.preRoll, s.preRoll[1:])
		s.preRoll = s.preRoll[:len(s.preRoll)-1]
	}
	s.preRoll = append(s.preRoll, append([]byte(nil), frame...))
}
