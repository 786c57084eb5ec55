package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"stt":        {"openai", "deepgram", "whisper"},
	"tts":        {"openai", "elevenlabs"},
	"embeddings": {"openai"},
	"vad":        {"energy"},
}

// LookupFunc reads an environment variable, like [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies the environment
// overrides found through lookup (nil skips them), fills defaults and
// validates the result. An empty path loads the defaults alone.
func Load(path string, lookup LookupFunc) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""), lookup)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, lookup)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, then applies the environment
// overrides, the defaults and [Validate].
func LoadFromReader(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables found through
// lookup. Unparseable numeric or boolean values are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = b
	}

	var level string
	str("CALLBOT_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("CALLBOT_LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}

	p := &cfg.Providers
	str("STT_PROVIDER", &p.STT.Name)
	str("STT_FALLBACK_PROVIDER", &p.STTFallback.Name)
	str("TTS_PROVIDER", &p.TTS.Name)
	str("TTS_FALLBACK_PROVIDER", &p.TTSFallback.Name)
	str("LLM_PROVIDER", &p.LLM.Name)
	str("LLM_FALLBACK_PROVIDER", &p.LLMFallback.Name)
	str("LLM_MODEL", &p.LLM.Model)
	str("EMBEDDING_MODEL", &p.Embeddings.Model)

	// Provider keys are applied to every entry of that vendor that has none.
	keys := map[string]string{}
	for vendor, key := range map[string]string{
		"openai":     "OPENAI_API_KEY",
		"deepgram":   "DEEPGRAM_API_KEY",
		"elevenlabs": "ELEVENLABS_API_KEY",
	} {
		if v, ok := lookup(key); ok && v != "" {
			keys[vendor] = v
		}
	}
	for _, e := range []*ProviderEntry{&p.STT, &p.STTFallback, &p.TTS, &p.TTSFallback, &p.LLM, &p.LLMFallback, &p.Embeddings} {
		if e.APIKey == "" {
			e.APIKey = keys[e.Name]
		}
	}

	num("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	num("AUDIO_SAMPLE_WIDTH", &cfg.Audio.SampleWidth)
	num("AUDIO_CHANNELS", &cfg.Audio.Channels)
	num("MAX_CONSECUTIVE_ERRORS", &cfg.Audio.MaxConsecutiveErrors)
	flag("BARGE_IN_ENABLED", &cfg.Audio.BargeInEnabled)

	str("CRM_BASE_URL", &cfg.CRM.BaseURL)
	str("CRM_TOKEN", &cfg.CRM.Token)
	str("RAG_BASE_URL", &cfg.RAG.BaseURL)
	str("BM25_MODEL", &cfg.RAG.BM25Model)
	str("EMBEDDING_MODEL", &cfg.RAG.EmbeddingModel)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)

	return errors.Join(errs...)
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}

	s := &cfg.Server
	setStr(&s.ListenAddr, ":8080")
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	setDur(&s.ShutdownTimeout, 15*time.Second)
	setDur(&s.WriteTimeout, 5*time.Second)

	p := &cfg.Providers
	setStr(&p.STT.Name, "openai")
	setStr(&p.TTS.Name, "openai")
	setStr(&p.LLM.Name, "openai")
	setStr(&p.VAD.Name, "energy")

	a := &cfg.Audio
	setInt(&a.SampleRate, audio.TelephonySampleRate)
	setInt(&a.SampleWidth, audio.BytesPerSample)
	setInt(&a.Channels, 1)
	setInt(&a.FrameMs, 20)
	setInt(&a.RequiredSilenceMs, 300)
	setInt(&a.MinSpeechDurationMs, 200)
	setInt(&a.MaxBufferSeconds, 15)
	setInt(&a.PacketSize, 512)
	setDur(&a.MinChunkInterval, 50*time.Millisecond)
	setDur(&a.LoopInterval, 50*time.Millisecond)
	setInt(&a.MaxConsecutiveErrors, 5)
	setInt(&a.StreamIDRetries, 20)
	setStr(&a.Language, "fr")
	setInt(&a.MinTranscriptChars, 2)
	setInt(&a.MaxSTTFailures, 3)

	setDur(&cfg.Cache.TTL, 5*time.Minute)
	setInt(&cfg.Cache.MaxEntries, 4096)
	setDur(&cfg.CRM.Timeout, 10*time.Second)
	setDur(&cfg.RAG.Timeout, 60*time.Second)
	setDur(&cfg.RAG.MaxStreamDuration, 30*time.Second)
	setInt(&cfg.Database.EmbeddingDimensions, 1536)

	ag := &cfg.Agent
	setInt(&ag.MaxHistoryMessages, 8)
	setInt(&ag.MaxHistoryChars, 16000)
	setInt(&ag.ProposalCount, 3)
	setInt(&ag.MaxPendingInputs, 8)

	c := &cfg.Calendar
	if len(c.TimeSlots) == 0 {
		c.TimeSlots = []TimeSlotConfig{{Start: "09:00", End: "12:00"}, {Start: "13:00", End: "18:00"}}
	}
	if len(c.AllowedWeekdays) == 0 {
		c.AllowedWeekdays = []int{0, 1, 2, 3, 4}
	}
	setInt(&c.AppointmentDurationMinutes, 30)
	setInt(&c.SearchDays, 14)
	setStr(&c.Timezone, "Europe/Paris")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	p := cfg.Providers
	validateProviderName("stt", p.STT.Name)
	validateProviderName("stt", p.STTFallback.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.LLMFallback.Name)
	validateProviderName("embeddings", p.Embeddings.Name)
	validateProviderName("vad", p.VAD.Name)
	if p.STTFallback.Configured() && p.STTFallback.Name == p.STT.Name && p.STTFallback.Model == p.STT.Model {
		slog.Warn("providers.stt_fallback is identical to providers.stt; it adds no redundancy")
	}
	if p.TTS.Name == "elevenlabs" && p.TTS.StringOption("voice_id", "") == "" {
		errs = append(errs, errors.New("providers.tts: elevenlabs requires options.voice_id"))
	}

	a := cfg.Audio
	if a.SampleRate != 0 && a.SampleRate != audio.TelephonySampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; telephony media is %d Hz", a.SampleRate, audio.TelephonySampleRate))
	}
	if a.SampleWidth != 0 && a.SampleWidth != audio.BytesPerSample {
		errs = append(errs, fmt.Errorf("audio.sample_width %d is unsupported; only 16-bit PCM is handled", a.SampleWidth))
	}
	if a.Channels > 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; telephony media is mono", a.Channels))
	}
	if a.SpeechThreshold < 0 || a.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %.2f is out of range [0, 1]", a.SpeechThreshold))
	}
	if a.PacketSize < 0 || a.PacketSize%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.packet_size %d must be a positive even number", a.PacketSize))
	}

	if cfg.Database.AnswerCacheThreshold < 0 || cfg.Database.AnswerCacheThreshold > 2 {
		errs = append(errs, fmt.Errorf("database.answer_cache_threshold %.2f is out of range [0, 2]", cfg.Database.AnswerCacheThreshold))
	}
	if cfg.Database.AnswerCacheThreshold > 0 {
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.answer_cache_threshold requires database.dsn"))
		}
		if !p.Embeddings.Configured() {
			errs = append(errs, errors.New("database.answer_cache_threshold requires providers.embeddings"))
		}
	}
	if cfg.CRM.BaseURL == "" {
		slog.Warn("crm.base_url is empty; appointments and leads are kept in memory")
	}

	seen := make(map[string]int, len(cfg.Agent.Intents))
	for i, in := range cfg.Agent.Intents {
		if prev, ok := seen[in.Name]; ok {
			errs = append(errs, fmt.Errorf("agent.intents[%d].name %q is a duplicate of agent.intents[%d]", i, in.Name, prev))
		}
		seen[in.Name] = i
		if !agent.IsRoutable(agent.NodeName(in.Name)) {
			errs = append(errs, fmt.Errorf("agent.intents[%d].name %q is not a routable agent", i, in.Name))
		}
	}

	if cfg.Calendar.Timezone != "" {
		if _, err := cfg.Graph(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
