package config

import (
	"fmt"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/internal/inbound"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/internal/resilience"
	"github.com/festnoze/squad-ai-sub002/internal/schedule"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Inbound returns the incoming audio settings. apology is spoken after
// repeated transcription failures.
func (a AudioConfig) Inbound(apology string) inbound.Config {
	f := audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
	return inbound.Config{
		FrameMs:            a.FrameMs,
		RequiredSilence:    ms(a.RequiredSilenceMs),
		MinSpeech:          ms(a.MinSpeechDurationMs),
		MaxBufferBytes:     f.Bytes(time.Duration(a.MaxBufferSeconds) * time.Second),
		SpeechThreshold:    a.SpeechThreshold,
		Language:           a.Language,
		MinTranscriptChars: a.MinTranscriptChars,
		MaxSTTFailures:     a.MaxSTTFailures,
		Apology:            apology,
		STTTimeout:         a.STTTimeout,
		BargeInEnabled:     a.BargeInEnabled,
		TempDir:            a.TempDir,
	}
}

// Outbound returns the outgoing audio settings.
func (a AudioConfig) Outbound() outbound.Config {
	return outbound.Config{
		MaxChunkWords:   a.MaxChunkWords,
		MaxChunkChars:   a.MaxChunkChars,
		LoopInterval:    a.LoopInterval,
		StreamIDRetries: a.StreamIDRetries,
		TTSTimeout:      a.TTSTimeout,
		Sender: outbound.SenderConfig{
			PacketSize:           a.PacketSize,
			MinChunkInterval:     a.MinChunkInterval,
			MaxConsecutiveErrors: a.MaxConsecutiveErrors,
			SendMarks:            a.SendMarks,
		},
	}
}

// Policy returns the retry policy. Zero fields take the policy defaults.
func (r RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.RetryPolicy{Attempts: r.MaxAttempts, Base: r.BaseDelay, Max: r.MaxDelay}
}

// BusinessHours parses the calendar settings.
func (c CalendarConfig) BusinessHours() (schedule.BusinessHours, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return schedule.BusinessHours{}, fmt.Errorf("config: calendar.timezone: %w", err)
	}
	h := schedule.BusinessHours{
		Weekdays: append([]int(nil), c.AllowedWeekdays...),
		Duration: time.Duration(c.AppointmentDurationMinutes) * time.Minute,
		Location: loc,
	}
	for i, ts := range c.TimeSlots {
		w, err := schedule.ParseWindow(ts.Start, ts.End)
		if err != nil {
			return schedule.BusinessHours{}, fmt.Errorf("config: calendar.time_slots[%d]: %w", i, err)
		}
		h.Windows = append(h.Windows, w)
	}
	return h, h.Validate()
}

// Graph returns the conversation graph settings.
func (c *Config) Graph() (agent.Config, error) {
	hours, err := c.Calendar.BusinessHours()
	if err != nil {
		return agent.Config{}, err
	}
	a := c.Agent
	intents := make([]agent.Intent, 0, len(a.Intents))
	for _, in := range a.Intents {
		intents = append(intents, agent.Intent{Name: agent.NodeName(in.Name), Description: in.Description})
	}
	p := a.Prompts
	return agent.Config{
		Intents: intents,
		Prompts: agent.Prompts{
			Welcome:               p.Welcome,
			WelcomeKnown:          p.WelcomeKnown,
			WelcomeUnknown:        p.WelcomeUnknown,
			Consent:               p.Consent,
			Closing:               p.Closing,
			Apology:               p.Apology,
			ProposeSlots:          p.ProposeSlots,
			NoSlots:               p.NoSlots,
			PreferenceUnavailable: p.PreferenceUnavailable,
			ConfirmSlot:           p.ConfirmSlot,
			Booked:                p.Booked,
			SlotUnavailable:       p.SlotUnavailable,
			LeadMissing:           p.LeadMissing,
			LeadDone:              p.LeadDone,
			RouterSystem:          p.RouterSystem,
			ConsentSystem:         p.ConsentSystem,
			PreferenceSystem:      p.PreferenceSystem,
			LeadSystem:            p.LeadSystem,
		},
		MaxHistoryMessages: a.MaxHistoryMessages,
		MaxHistoryChars:    a.MaxHistoryChars,
		ProposalCount:      a.ProposalCount,
		SearchDays:         c.Calendar.SearchDays,
		AppointmentSubject: a.AppointmentSubject,
		LLMTimeout:         a.LLMTimeout,
		MaxStreamDuration:  c.RAG.MaxStreamDuration,
		Hours:              hours,
	}, nil
}
