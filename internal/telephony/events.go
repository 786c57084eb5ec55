package telephony

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

// Event names of the media-stream protocol.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Event is one JSON frame exchanged over the media-stream socket. Only the
// payload matching Event is set.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`

	// Audio is the decoded µ-law payload of a media event.
	Audio []byte `json:"-"`
}

// StartPayload describes the stream that is about to begin.
type StartPayload struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the encoding announced in the start payload.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 µ-law packet.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload identifies the call whose stream ended.
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// MarkPayload names a playback checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// Keys of the start payload's custom parameters that may carry the caller's
// number, in lookup order.
var callerPhoneKeys = []string{"caller_phone", "callerPhone", "From", "from"}

// CallerPhone returns the caller's number from the custom parameters, or "".
func (p *StartPayload) CallerPhone() string {
	for _, k := range callerPhoneKeys {
		if v := p.CustomParameters[k]; v != "" {
			return v
		}
	}
	return ""
}

// DecodeFrames parses one socket message. A message usually holds a single
// JSON object but may hold several separated by newlines. Lines that fail to
// parse or validate are reported in errs and skipped; the remaining events are
// returned in order.
func DecodeFrames(data []byte) (events []Event, errs []error) {
	for line := range bytes.SplitSeq(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := decodeEvent(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

func decodeEvent(line []byte) (Event, error) {
	const op = "telephony: decode frame"
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, faults.New(faults.InvalidInput, op, err)
	}
	switch ev.Event {
	case EventConnected:
	case EventStart:
		if ev.Start == nil {
			return Event{}, faults.Invalid(op, "start event without payload")
		}
		if ev.Start.StreamSID == "" {
			ev.Start.StreamSID = ev.StreamSID
		}
		if ev.Start.CallSID == "" || ev.Start.StreamSID == "" {
			return Event{}, faults.Invalid(op, "start event missing callSid or streamSid")
		}
		if ev.StreamSID == "" {
			ev.StreamSID = ev.Start.StreamSID
		}
	case EventMedia:
		if ev.Media == nil || ev.Media.Payload == "" {
			return Event{}, faults.Invalid(op, "media event without payload")
		}
		audio, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
		if err != nil {
			return Event{}, faults.New(faults.InvalidInput, op, fmt.Errorf("media payload: %w", err))
		}
		ev.Audio = audio
	case EventStop:
	case EventMark:
		if ev.Mark == nil {
			ev.Mark = &MarkPayload{}
		}
	case "":
		return Event{}, faults.New(faults.InvalidInput, op, errors.New("missing event name"))
	default:
		return Event{}, faults.Invalid(op, "unknown event %q", ev.Event)
	}
	return ev, nil
}

type outboundMedia struct {
	Event     string            `json:"event"`
	StreamSID string            `json:"streamSid"`
	Media     outboundMediaBody `json:"media"`
}

type outboundMediaBody struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds the outbound media frame for a µ-law packet.
func EncodeMedia(streamSID string, mulaw []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     outboundMediaBody{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// EncodeMark builds an outbound mark frame.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: name}})
}

// EncodeClear builds a frame asking the provider to drop audio it has
// buffered but not yet played.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
}
