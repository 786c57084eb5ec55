package call_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	agentmock "github.com/festnoze/squad-ai-sub002/internal/agent/mock"
	"github.com/festnoze/squad-ai-sub002/internal/call"
	"github.com/festnoze/squad-ai-sub002/internal/inbound"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/internal/telephony"
	sttmock "github.com/festnoze/squad-ai-sub002/pkg/provider/stt/mock"
	ttsmock "github.com/festnoze/squad-ai-sub002/pkg/provider/tts/mock"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
	vadmock "github.com/festnoze/squad-ai-sub002/pkg/provider/vad/mock"
)

const apology = "Désolé."

type fakeConn struct {
	mu      sync.Mutex
	media   map[string]int
	clears  []string
	hangups []string
}

func (c *fakeConn) WriteMedia(_ context.Context, streamSID string, mulaw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.media == nil {
		c.media = make(map[string]int)
	}
	c.media[streamSID] += len(mulaw)
	return nil
}

func (c *fakeConn) WriteMark(context.Context, string, string) error { return nil }

func (c *fakeConn) WriteClear(_ context.Context, streamSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears = append(c.clears, streamSID)
	return nil
}

func (c *fakeConn) Hangup(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangups = append(c.hangups, reason)
	return nil
}

func (c *fakeConn) mediaBytes(sid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media[sid]
}

func (c *fakeConn) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clears)
}

func (c *fakeConn) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hangups)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// utterances scripts n utterances of 400 ms followed by 300 ms of silence.
func utterances(n int) []vad.Decision {
	var out []vad.Decision
	for range n {
		for range 20 {
			out = append(out, vad.Speech)
		}
		for range 15 {
			out = append(out, vad.Silence)
		}
	}
	return out
}

type harness struct {
	mgr   *call.Manager
	graph *agentmock.Graph
	stt   *sttmock.Provider
	tts   *ttsmock.Provider
	vad   *vadmock.Session
	conn  *fakeConn
}

func newHarness(t *testing.T, graph *agentmock.Graph, p *sttmock.Provider, decisions []vad.Decision, cfg call.Config, opts ...call.Option) *harness {
	t.Helper()
	h := &harness{
		graph: graph,
		stt:   p,
		tts:   &ttsmock.Provider{},
		vad:   &vadmock.Session{Script: decisions},
		conn:  &fakeConn{},
	}
	cfg.Apology = apology
	cfg.Inbound.TempDir = t.TempDir()
	cfg.Outbound.LoopInterval = 5 * time.Millisecond
	mgr, err := call.NewManager(call.Deps{
		Graph: graph,
		STT:   p,
		VAD:   &vadmock.Engine{Session: h.vad},
		TTS:   h.tts,
		Cache: outbound.NewCache(),
	}, cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.mgr = mgr
	return h
}

func (h *harness) open(t *testing.T, callSID string) *call.Session {
	t.Helper()
	s, err := h.mgr.Open(context.Background(), telephony.StartInfo{
		CallSID: callSID, StreamSID: "MZ" + callSID, CallerPhone: "+33123456789",
	}, h.conn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func feed(s *call.Session, n int) {
	pkt := make([]byte, 160)
	for range n {
		s.HandleMedia(pkt)
	}
}

func TestSession_WelcomeThenAnswer(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{
		Welcome: "Bonjour.",
		Replies: map[string]string{"Quels BTS ?": "Le BTS GPME."},
	}
	decisions := utterances(1)
	h := newHarness(t, graph, &sttmock.Provider{Text: "Quels BTS ?"}, decisions, call.Config{})
	s := h.open(t, "CA1")

	waitFor(t, "welcome audio", func() bool { return h.conn.mediaBytes("MZCA1") > 0 })
	feed(s, len(decisions))
	waitFor(t, "answer synthesized", func() bool { return slices.Contains(h.tts.Texts(), "Le BTS GPME.") })

	if got := graph.InputsSeen(); len(got) != 1 || got[0] != "Quels BTS ?" {
		t.Errorf("inputs = %q", got)
	}
	if graph.StartCount() != 1 {
		t.Errorf("Start calls = %d", graph.StartCount())
	}
	if texts := h.tts.Texts(); texts[0] != "Bonjour." {
		t.Errorf("first synthesis = %q, want the welcome", texts[0])
	}

	s.Close()
	select {
	case <-s.Done():
	default:
		t.Error("graph loop still running after Close")
	}
	if h.mgr.Count() != 0 {
		t.Errorf("Count = %d after Close", h.mgr.Count())
	}
}

func TestSession_TranscriptsHandledInOrder(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	graph := &agentmock.Graph{Block: block}
	decisions := utterances(3)
	p := &sttmock.Provider{Results: []sttmock.Result{{Text: "un"}, {Text: "deux"}, {Text: "trois"}}}
	h := newHarness(t, graph, p, decisions, call.Config{})
	s := h.open(t, "CA2")

	feed(s, len(decisions))
	waitFor(t, "three transcriptions", func() bool { return p.CallCount() == 3 })
	if got := graph.InputsSeen(); len(got) != 1 {
		t.Fatalf("inputs while blocked = %q, want only the first", got)
	}
	close(block)
	waitFor(t, "all inputs", func() bool { return len(graph.InputsSeen()) == 3 })
	if got := graph.InputsSeen(); !slices.Equal(got, []string{"un", "deux", "trois"}) {
		t.Errorf("inputs = %q", got)
	}
}

func TestSession_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	graph := &agentmock.Graph{Block: block}
	decisions := utterances(3)
	p := &sttmock.Provider{Results: []sttmock.Result{{Text: "un"}, {Text: "deux"}, {Text: "trois"}}}
	h := newHarness(t, graph, p, decisions, call.Config{MaxPendingInputs: 1})
	s := h.open(t, "CA3")

	feed(s, len(decisions))
	waitFor(t, "three transcriptions", func() bool { return p.CallCount() == 3 })
	time.Sleep(20 * time.Millisecond)
	close(block)
	waitFor(t, "queued input", func() bool { return len(graph.InputsSeen()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := graph.InputsSeen(); !slices.Equal(got, []string{"un", "deux"}) {
		t.Errorf("inputs = %q, want the newest dropped", got)
	}
}

func TestSession_GraphErrorApologizes(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{InvokeErr: errors.New("invariant broken")}
	decisions := utterances(2)
	p := &sttmock.Provider{Results: []sttmock.Result{{Text: "un"}, {Text: "deux"}}}
	h := newHarness(t, graph, p, decisions, call.Config{})
	s := h.open(t, "CA4")

	feed(s, len(decisions))
	waitFor(t, "both inputs", func() bool { return len(graph.InputsSeen()) == 2 })
	waitFor(t, "apology", func() bool { return slices.Contains(h.tts.Texts(), apology) })
	if h.conn.hangupCount() != 0 {
		t.Error("call hung up after a recoverable error")
	}
}

func TestSession_PanicApologizesAndHangsUp(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{PanicOn: "boum"}
	decisions := utterances(1)
	h := newHarness(t, graph, &sttmock.Provider{Text: "boum"}, decisions, call.Config{})
	s := h.open(t, "CA5")

	feed(s, len(decisions))
	waitFor(t, "hangup", func() bool { return h.conn.hangupCount() == 1 })
	if !slices.Contains(h.tts.Texts(), apology) {
		t.Errorf("synthesized %q, want the apology", h.tts.Texts())
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("graph loop still running after panic")
	}
}

func TestSession_BargeInClearsProviderBuffer(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{Welcome: "Bonjour et bienvenue."}
	decisions := utterances(1)
	h := newHarness(t, graph, &sttmock.Provider{Text: "Attendez"}, decisions,
		call.Config{Inbound: inbound.Config{BargeInEnabled: true}})
	block := make(chan struct{})
	h.tts.Block = block
	s := h.open(t, "CA6")
	t.Cleanup(func() { close(block) })

	waitFor(t, "welcome synthesis", func() bool { return h.tts.CallCount() > 0 })
	feed(s, len(decisions))
	waitFor(t, "clear frame", func() bool { return h.conn.clearCount() == 1 })
	waitFor(t, "transcript", func() bool { return len(graph.InputsSeen()) == 1 })
	if st := s.Inbound().Stats(); st.BargeIns != 1 {
		t.Errorf("barge-ins = %d", st.BargeIns)
	}
}

func TestSession_BargeInDropsUnheardWelcomeFromHistory(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{Welcome: "Bonjour et bienvenue.", Default: "Je vous écoute."}
	decisions := utterances(1)
	h := newHarness(t, graph, &sttmock.Provider{Text: "Attendez"}, decisions,
		call.Config{Inbound: inbound.Config{BargeInEnabled: true}})
	block := make(chan struct{})
	h.tts.Block = block
	s := h.open(t, "CA9")
	t.Cleanup(func() { close(block) })

	waitFor(t, "welcome synthesis", func() bool { return h.tts.CallCount() > 0 })
	feed(s, len(decisions))
	waitFor(t, "transcript", func() bool { return len(graph.InputsSeen()) == 1 })
	s.Close()

	history := s.State().History
	for _, m := range history {
		if strings.Contains(m.Content, "Bonjour et bienvenue.") {
			t.Errorf("unheard welcome kept in history: %+v", history)
		}
	}
	if len(history) != 1 || history[0].Content != "Je vous écoute." {
		t.Errorf("history = %+v, want only the reply given after the barge-in", history)
	}
}

func TestSession_UpdateStreamID(t *testing.T) {
	t.Parallel()

	graph := &agentmock.Graph{Replies: map[string]string{"Allô ?": "Je vous écoute."}}
	decisions := utterances(1)
	h := newHarness(t, graph, &sttmock.Provider{Text: "Allô ?"}, decisions, call.Config{})
	s := h.open(t, "CA7")

	s.UpdateStreamID("MZnew")
	if got := s.Info().StreamSID; got != "MZnew" {
		t.Errorf("StreamSID = %q", got)
	}
	feed(s, len(decisions))
	waitFor(t, "audio on the new stream", func() bool { return h.conn.mediaBytes("MZnew") > 0 })
	if h.conn.mediaBytes("MZCA7") != 0 {
		t.Error("audio sent on the old stream")
	}
}

func TestManager_RejectsDuplicateCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &agentmock.Graph{}, &sttmock.Provider{}, nil, call.Config{})
	h.open(t, "CA8")
	_, err := h.mgr.Open(context.Background(), telephony.StartInfo{CallSID: "CA8", StreamSID: "MZx"}, h.conn)
	if !errors.Is(err, call.ErrCallActive) {
		t.Errorf("err = %v, want ErrCallActive", err)
	}
	if h.mgr.Count() != 1 {
		t.Errorf("Count = %d", h.mgr.Count())
	}
	if calls := h.mgr.Calls(); len(calls) != 1 || calls[0].CallSID != "CA8" || calls[0].CallerPhone != "+33123456789" {
		t.Errorf("Calls = %+v", calls)
	}
}

func TestManager_StopAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &agentmock.Graph{}, &sttmock.Provider{}, nil, call.Config{})
	a := h.open(t, "CA9")
	b := h.open(t, "CA10")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.mgr.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, s := range []*call.Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %s not closed", s.Info().CallSID)
		}
	}
	if h.mgr.Count() != 0 {
		t.Errorf("Count = %d", h.mgr.Count())
	}
	if _, err := h.mgr.Open(context.Background(), telephony.StartInfo{CallSID: "CA11"}, h.conn); err == nil {
		t.Error("Open accepted a call after StopAll")
	}
}

func TestManager_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := call.NewManager(call.Deps{}, call.Config{}); err == nil {
		t.Error("NewManager accepted missing dependencies")
	}
}

func TestManager_ActiveCallsMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, &agentmock.Graph{}, &sttmock.Provider{}, nil, call.Config{}, call.WithMetrics(met))
	s := h.open(t, "CA12")
	if got := activeCalls(t, reader); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}
	s.Close()
	if got := activeCalls(t, reader); got != 0 {
		t.Errorf("active calls = %d after Close, want 0", got)
	}
}

func activeCalls(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "callbot.calls.active" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("unexpected data %T", m.Data)
			}
			return sum.DataPoints[0].Value
		}
	}
	t.Fatal("callbot.calls.active not recorded")
	return 0
}
