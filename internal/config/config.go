// Package config provides the configuration schema, loader, environment
// overrides and provider registry of the callbot.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	Cache     CacheConfig     `yaml:"cache"`
	CRM       CRMConfig       `yaml:"crm"`
	RAG       RAGConfig       `yaml:"rag"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Calendar  CalendarConfig  `yaml:"calendar"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied again on every reload.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful stop of calls and the HTTP server.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WriteTimeout bounds one frame written to the telephony socket.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OriginPatterns are the hosts allowed to open the media stream from a
	// browser. Telephony providers send no Origin header.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry]. The fallback entries are optional.
type ProvidersConfig struct {
	STT         ProviderEntry `yaml:"stt"`
	STTFallback ProviderEntry `yaml:"stt_fallback"`
	TTS         ProviderEntry `yaml:"tts"`
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
	Embeddings  ProviderEntry `yaml:"embeddings"`
	VAD         ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above,
	// such as the ElevenLabs voice_id.
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry selects a provider.
func (e ProviderEntry) Configured() bool { return e.Name != "" }

// StringOption returns the string option key, or def.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// FloatOption returns the numeric option key, or def.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// IntOption returns the integer option key, or def.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// StringsOption returns the string list option key.
func (e ProviderEntry) StringsOption(key string) []string {
	raw, ok := e.Options[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AudioConfig holds the telephony audio and segmentation parameters.
type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	SampleWidth int `yaml:"sample_width"`
	Channels    int `yaml:"channels"`
	FrameMs     int `yaml:"frame_ms"`

	RequiredSilenceMs   int     `yaml:"required_silence_ms"`
	MinSpeechDurationMs int     `yaml:"min_speech_duration_ms"`
	MaxBufferSeconds    int     `yaml:"max_buffer_seconds"`
	SpeechThreshold     float64 `yaml:"speech_threshold"`

	// PacketSize is the µ-law payload size of one outgoing media frame.
	PacketSize           int           `yaml:"packet_size"`
	MinChunkInterval     time.Duration `yaml:"min_chunk_interval"`
	LoopInterval         time.Duration `yaml:"loop_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	StreamIDRetries      int           `yaml:"stream_id_retries"`
	SendMarks            bool          `yaml:"send_marks"`

	MaxChunkWords int `yaml:"max_chunk_words"`
	MaxChunkChars int `yaml:"max_chunk_chars"`

	BargeInEnabled     bool          `yaml:"barge_in_enabled"`
	Language           string        `yaml:"language"`
	MinTranscriptChars int           `yaml:"min_transcript_chars"`
	MaxSTTFailures     int           `yaml:"max_stt_failures"`
	STTTimeout         time.Duration `yaml:"stt_timeout"`
	TTSTimeout         time.Duration `yaml:"tts_timeout"`

	// TempDir holds the WAV files of utterances being transcribed.
	TempDir string `yaml:"temp_dir"`

	// Vocabulary lists terms that transcripts are corrected towards.
	Vocabulary []string `yaml:"vocabulary"`
}

// CacheConfig configures the synthesis cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the in-process tier. Default 4096.
	MaxEntries int `yaml:"max_entries"`

	// RedisAddr enables the shared Redis tier when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Namespace prefixes the Redis keys, typically with the voice in use.
	Namespace string `yaml:"namespace"`

	// Prewarm lists extra texts synthesized at startup in addition to the
	// fixed prompts.
	Prewarm []string `yaml:"prewarm"`
}

// RetryConfig is a retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CRMConfig configures the CRM gateway client. An empty BaseURL selects the
// in-memory CRM, which is only suitable for local runs.
type CRMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

// RAGConfig configures the knowledge-base answer service. An empty BaseURL
// makes the FAQ agent answer with the LLM alone.
type RAGConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Path              string        `yaml:"path"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxStreamDuration time.Duration `yaml:"max_stream_duration"`
	BM25Model         string        `yaml:"bm25_model"`
	EmbeddingModel    string        `yaml:"embedding_model"`

	// SystemPrompt is used when answering with the LLM alone.
	SystemPrompt string `yaml:"system_prompt"`
}

// DatabaseConfig configures conversation persistence. An empty DSN keeps
// conversations in memory.
type DatabaseConfig struct {
	DSN                 string `yaml:"dsn"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`

	// AnswerCacheThreshold is the maximum cosine distance at which a stored
	// answer is reused. Zero disables the answer cache.
	AnswerCacheThreshold float64 `yaml:"answer_cache_threshold"`

	// MaxUserMessagesPerDay is the per-caller daily quota. Zero disables it.
	MaxUserMessagesPerDay int `yaml:"max_user_messages_per_day"`
}

// IntentConfig is a router label and its description.
type IntentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PromptsConfig overrides the spoken and system prompts. Empty fields keep
// the built-in French texts.
type PromptsConfig struct {
	Welcome               string `yaml:"welcome"`
	WelcomeKnown          string `yaml:"welcome_known"`
	WelcomeUnknown        string `yaml:"welcome_unknown"`
	Consent               string `yaml:"consent"`
	Closing               string `yaml:"closing"`
	Apology               string `yaml:"apology"`
	ProposeSlots          string `yaml:"propose_slots"`
	NoSlots               string `yaml:"no_slots"`
	PreferenceUnavailable string `yaml:"preference_unavailable"`
	ConfirmSlot           string `yaml:"confirm_slot"`
	Booked                string `yaml:"booked"`
	SlotUnavailable       string `yaml:"slot_unavailable"`
	LeadMissing           string `yaml:"lead_missing"`
	LeadDone              string `yaml:"lead_done"`
	RouterSystem          string `yaml:"router_system"`
	ConsentSystem         string `yaml:"consent_system"`
	PreferenceSystem      string `yaml:"preference_system"`
	LeadSystem            string `yaml:"lead_system"`
}

// AgentConfig tunes the conversation graph.
type AgentConfig struct {
	Intents            []IntentConfig `yaml:"intents"`
	Prompts            PromptsConfig  `yaml:"prompts"`
	MaxHistoryMessages int            `yaml:"max_history_messages"`
	MaxHistoryChars    int            `yaml:"max_history_chars"`
	ProposalCount      int            `yaml:"proposal_count"`
	AppointmentSubject string         `yaml:"appointment_subject"`
	LLMTimeout         time.Duration  `yaml:"llm_timeout"`
	MaxPendingInputs   int            `yaml:"max_pending_inputs"`
}

// TimeSlotConfig is a daily window of business hours, "HH:MM" to "HH:MM".
type TimeSlotConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// CalendarConfig describes when appointments may be booked.
type CalendarConfig struct {
	TimeSlots []TimeSlotConfig `yaml:"time_slots"`

	// AllowedWeekdays counts from Monday: 0 is Monday and 6 is Sunday.
	AllowedWeekdays            []int  `yaml:"allowed_weekdays"`
	AppointmentDurationMinutes int    `yaml:"appointment_duration_minutes"`
	SearchDays                 int    `yaml:"search_days"`
	Timezone                   string `yaml:"timezone"`
}
