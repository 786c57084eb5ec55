package app_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/festnoze/squad-ai-sub002/internal/app"
	"github.com/festnoze/squad-ai-sub002/internal/config"
	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	llmmock "github.com/festnoze/squad-ai-sub002/pkg/provider/llm/mock"
	sttmock "github.com/festnoze/squad-ai-sub002/pkg/provider/stt/mock"
	ttsmock "github.com/festnoze/squad-ai-sub002/pkg/provider/tts/mock"
	vadmock "github.com/festnoze/squad-ai-sub002/pkg/provider/vad/mock"
)

// testConfig returns the default config with no external services.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Audio.TempDir = t.TempDir()
	return cfg
}

// testProviders returns mock providers for every required slot.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		LLM: &llmmock.Provider{},
		VAD: &vadmock.Engine{},
	}
}

func newApp(t *testing.T, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(t), providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Error("expected error for nil providers")
	}
	_, err := app.New(context.Background(), testConfig(t), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
	for _, want := range []string{"STT", "TTS", "VAD"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNew_WithFallbacks(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.STTFallback = &sttmock.Provider{}
	p.TTSFallback = &ttsmock.Provider{}
	p.LLMFallback = &llmmock.Provider{}
	newApp(t, p)
}

func TestNew_IncompatibleTTSFallback(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.TTSFallback = &ttsmock.Provider{OutputFormat: audio.Format{SampleRate: 24000, Channels: 1}}
	if _, err := app.New(context.Background(), testConfig(t), p); err == nil {
		t.Error("expected error for a fallback with another output format")
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a := newApp(t, testProviders(), app.WithCRM(crm.NewMemClient()))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusOK, `"active_calls":0`},
		{"/calls", http.StatusOK, `[]`},
		{"/metrics", http.StatusOK, ""},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		var body strings.Builder
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantCode {
			t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
		}
		if !strings.Contains(body.String(), tt.wantBody) {
			t.Errorf("GET %s body = %q, want it to contain %q", tt.path, body.String(), tt.wantBody)
		}
	}
}

func TestPrewarm_SynthesizesOnce(t *testing.T) {
	t.Parallel()

	p := testProviders()
	tts := p.TTS.(*ttsmock.Provider)
	a := newApp(t, p)

	a.Prewarm(context.Background())
	first := tts.CallCount()
	if first == 0 {
		t.Fatal("prewarm synthesized nothing")
	}
	a.Prewarm(context.Background())
	if tts.CallCount() != first {
		t.Errorf("second prewarm synthesized %d more chunks, want 0", tts.CallCount()-first)
	}
}

func TestServe_GreetsCallerAndDrains(t *testing.T) {
	t.Parallel()

	p := testProviders()
	a := newApp(t, p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	c, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String()+app.MediaStreamPath, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	start := `{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1","streamSid":"MZ1","customParameters":{"caller_phone":"+33600000000"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	if err := c.Write(dialCtx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	// The welcome is spoken as soon as the call opens.
	for {
		_, data, err := c.Read(dialCtx)
		if err != nil {
			t.Fatalf("read before welcome audio: %v", err)
		}
		var ev struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if ev.Event == "media" {
			if ev.StreamSID != "MZ1" {
				t.Errorf("streamSid = %q, want MZ1", ev.StreamSID)
			}
			break
		}
	}
	if n := a.Calls().Count(); n != 1 {
		t.Errorf("active calls = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if n := a.Calls().Count(); n != 0 {
		t.Errorf("active calls after drain = %d, want 0", n)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), testProviders())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
