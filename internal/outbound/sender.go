package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
)

// Sender defaults.
const (
	DefaultPacketSize           = 512
	DefaultMinChunkInterval     = 50 * time.Millisecond
	DefaultMaxConsecutiveErrors = 5
)

// MediaWriter writes outbound frames to the telephony socket. The socket has
// exactly one writer: the [Sender] of the call.
type MediaWriter interface {
	WriteMedia(ctx context.Context, streamSID string, mulaw []byte) error
	WriteMark(ctx context.Context, streamSID, name string) error
	WriteClear(ctx context.Context, streamSID string) error
}

// SenderConfig tunes a [Sender]. Zero fields take the package defaults.
type SenderConfig struct {
	PacketSize           int
	MinChunkInterval     time.Duration
	MaxConsecutiveErrors int

	// SendMarks emits a mark frame named "chunk-N" after each chunk.
	SendMarks bool
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.PacketSize <= 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.MinChunkInterval <= 0 {
		c.MinChunkInterval = DefaultMinChunkInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	return c
}

// SenderStats is a snapshot of the sender counters.
type SenderStats struct {
	ChunksSent        int
	BytesSent         int
	ConsecutiveErrors int
	LastSend          time.Time
}

// Sender converts telephony PCM to µ-law and paces it over the socket in
// real time. One chunk is sent at a time; concurrent calls to Send queue on
// an internal lock.
type Sender struct {
	w       MediaWriter
	cfg     SenderConfig
	log     *slog.Logger
	metrics *observe.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	sendMu      sync.Mutex
	sending     atomic.Bool
	interrupted atomic.Bool

	mu        sync.Mutex
	streamSID string
	stats     SenderStats
}

// NewSender creates a Sender writing to w.
func NewSender(w MediaWriter, cfg SenderConfig, log *slog.Logger, metrics *observe.Metrics) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		w:       w,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: metrics,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpdateStreamID binds the sender to a media stream and resets all state.
func (s *Sender) UpdateStreamID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = id
	s.stats = SenderStats{}
	s.interrupted.Store(false)
}

// StreamID returns the bound stream id.
func (s *Sender) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Interrupt asks the chunk being sent to stop after its current packet.
func (s *Sender) Interrupt() {
	s.interrupted.Store(true)
}

// TakeInterrupt clears the interruption flag and reports whether it was set.
func (s *Sender) TakeInterrupt() bool {
	return s.interrupted.Swap(false)
}

// Clear asks the provider to discard the audio it has buffered but not
// played yet.
func (s *Sender) Clear(ctx context.Context) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	sid := s.StreamID()
	if sid == "" {
		return
	}
	if err := s.w.WriteClear(ctx, sid); err != nil {
		s.log.Warn("audio sender: clear failed", "stream_sid", sid, "error", err)
	}
}

// IsSending reports whether a chunk is being written.
func (s *Sender) IsSending() bool {
	return s.sending.Load()
}

// Stats returns a snapshot of the counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Send writes pcm (16-bit mono at 8 kHz) as µ-law packets. Each packet is
// followed by a pause of its playback duration. When the interruption flag is
// raised the packet being written completes, the rest of the chunk is
// discarded, the flag is cleared and interrupted is true.
//
// A write error aborts the chunk and is returned; it counts toward the
// consecutive error threshold but never disables the sender.
func (s *Sender) Send(ctx context.Context, pcm []byte) (interrupted bool, err error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.sending.Store(true)
	defer s.sending.Store(false)

	sid, wait := s.prepare()
	if sid == "" {
		return false, fmt.Errorf("outbound: send: no stream id bound")
	}
	if err := s.sleep(ctx, wait); err != nil {
		return false, err
	}

	mulaw := audio.PCMToMulaw(pcm)
	sent := 0
	for off := 0; off < len(mulaw); off += s.cfg.PacketSize {
		if s.TakeInterrupt() {
			s.log.Debug("chunk interrupted", "stream_sid", sid, "bytes_sent", sent, "bytes_dropped", len(mulaw)-off)
			s.finish(sent, false)
			return true, nil
		}
		end := min(off+s.cfg.PacketSize, len(mulaw))
		packet := mulaw[off:end]
		if err := s.w.WriteMedia(ctx, sid, packet); err != nil {
			s.recordError(ctx, sid, err)
			s.finish(sent, false)
			return false, fmt.Errorf("outbound: send packet: %w", err)
		}
		sent += len(packet)
		if s.metrics != nil {
			s.metrics.AudioPackets.Add(ctx, 1)
			s.metrics.AudioBytes.Add(ctx, int64(len(packet)))
		}
		if err := s.sleep(ctx, audio.Telephony.Duration(len(packet)*audio.BytesPerSample)); err != nil {
			s.finish(sent, false)
			return false, err
		}
	}

	chunkNo := s.finish(sent, true)
	if s.cfg.SendMarks {
		if err := s.w.WriteMark(ctx, sid, fmt.Sprintf("chunk-%d", chunkNo)); err != nil {
			s.log.Debug("mark write failed", "error", err)
		}
	}
	return false, nil
}

// prepare returns the stream id and how long to wait to respect the minimum
// gap between chunks.
func (s *Sender) prepare() (string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wait time.Duration
	if !s.stats.LastSend.IsZero() {
		wait = s.cfg.MinChunkInterval - s.now().Sub(s.stats.LastSend)
	}
	return s.streamSID, wait
}

// finish updates counters and returns the number of completed chunks.
func (s *Sender) finish(sent int, complete bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesSent += sent
	s.stats.LastSend = s.now()
	if complete {
		s.stats.ChunksSent++
		s.stats.ConsecutiveErrors = 0
	}
	return s.stats.ChunksSent
}

func (s *Sender) recordError(ctx context.Context, sid string, err error) {
	s.mu.Lock()
	s.stats.ConsecutiveErrors++
	n := s.stats.ConsecutiveErrors
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AudioSendErrors.Add(ctx, 1)
	}
	if n >= s.cfg.MaxConsecutiveErrors {
		s.log.Error("audio sender: consecutive send errors", "stream_sid", sid, "count", n, "error", err)
		return
	}
	s.log.Warn("audio sender: send failed", "stream_sid", sid, "count", n, "error", err)
}
