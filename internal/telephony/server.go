// Package telephony implements the media-stream WebSocket endpoint of the
// telephony provider.
//
// The provider opens one socket per call and sends newline-framed JSON events:
// connected, start, media, stop and mark. [Server] accepts the socket and runs
// the read loop; it hands the stream to a [Session] obtained from a
// [SessionFactory] and never writes to the socket itself. The session's
// outgoing audio goes through the [Conn] it is given at start.
//
// Malformed frames are logged and skipped. The loop ends on a stop event or
// when the socket is closed.
package telephony

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/festnoze/squad-ai-sub002/internal/observe"
)

// StartInfo identifies a new media stream.
type StartInfo struct {
	CallSID     string
	StreamSID   string
	AccountSID  string
	CallerPhone string
	Format      MediaFormat
	Parameters  map[string]string
}

// Session consumes the events of one stream.
type Session interface {
	// HandleMedia receives one inbound µ-law packet. It must not block on
	// downstream processing.
	HandleMedia(mulaw []byte)

	// HandleMark is called when the provider echoes a mark.
	HandleMark(name string)

	// UpdateStreamID rebinds the session to a restarted stream.
	UpdateStreamID(streamSID string)

	// Close stops the session's workers and releases its resources. It is
	// called exactly once.
	Close()
}

// SessionFactory creates a session for each started stream.
type SessionFactory interface {
	StartSession(ctx context.Context, info StartInfo, conn *Conn) (Session, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithOriginPatterns sets the accepted Origin host patterns. Telephony
// providers do not send browser origins, so this rarely matters.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server is the http.Handler serving the media-stream endpoint.
type Server struct {
	factory        SessionFactory
	log            *slog.Logger
	writeTimeout   time.Duration
	originPatterns []string
}

// NewServer returns a Server that starts sessions through factory.
func NewServer(factory SessionFactory, opts ...Option) *Server {
	s := &Server{factory: factory, writeTimeout: DefaultWriteTimeout}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// ServeHTTP upgrades the request and runs the event loop until the stream
// stops or the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Warn("telephony: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()

	q := r.URL.Query()
	fallbackPhone := q.Get("From")
	if fallbackPhone == "" {
		fallbackPhone = q.Get("caller")
	}
	s.Run(r.Context(), ws, fallbackPhone)
}

// Run reads events from ws until a stop event, a read error or ctx
// cancellation. fallbackPhone is used when the start payload does not carry
// the caller's number.
func (s *Server) Run(ctx context.Context, ws *websocket.Conn, fallbackPhone string) {
	l := &loop{
		srv:           s,
		ws:            ws,
		conn:          NewConn(ws, s.writeTimeout),
		log:           s.log,
		fallbackPhone: fallbackPhone,
	}
	defer l.closeSession()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			l.logDisconnect(err)
			return
		}
		events, errs := DecodeFrames(data)
		for _, err := range errs {
			l.log.Warn("telephony: dropping malformed frame", "err", err)
		}
		for _, ev := range events {
			if stop := l.dispatch(ctx, ev); stop {
				l.closeSession()
				ws.Close(websocket.StatusNormalClosure, "stream stopped")
				return
			}
		}
	}
}

type loop struct {
	srv           *Server
	ws            *websocket.Conn
	conn          *Conn
	log           *slog.Logger
	fallbackPhone string

	session   Session
	streamSID string
}

// dispatch handles one event and reports whether the loop should end.
func (l *loop) dispatch(ctx context.Context, ev Event) bool {
	switch ev.Event {
	case EventConnected:
		l.log.Info("telephony: connected", "protocol", ev.Protocol, "version", ev.Version)

	case EventStart:
		l.start(ctx, ev)

	case EventMedia:
		if l.session == nil {
			l.log.Debug("telephony: media before start dropped", "bytes", len(ev.Audio))
			return false
		}
		if ev.StreamSID != "" && ev.StreamSID != l.streamSID {
			l.log.Warn("telephony: media for unknown stream dropped", "stream_sid", ev.StreamSID)
			return false
		}
		l.session.HandleMedia(ev.Audio)

	case EventMark:
		l.log.Debug("telephony: mark", "name", ev.Mark.Name)
		if l.session != nil {
			l.session.HandleMark(ev.Mark.Name)
		}

	case EventStop:
		l.log.Info("telephony: stop", "stream_sid", l.streamSID)
		return true
	}
	return false
}

func (l *loop) start(ctx context.Context, ev Event) {
	p := ev.Start
	if l.session != nil {
		if p.StreamSID != l.streamSID {
			l.log.Info("telephony: stream restarted", "old_stream_sid", l.streamSID, "stream_sid", p.StreamSID)
			l.streamSID = p.StreamSID
			l.session.UpdateStreamID(p.StreamSID)
		}
		return
	}

	info := StartInfo{
		CallSID:     p.CallSID,
		StreamSID:   p.StreamSID,
		AccountSID:  p.AccountSID,
		CallerPhone: p.CallerPhone(),
		Format:      p.MediaFormat,
		Parameters:  p.CustomParameters,
	}
	if info.CallerPhone == "" {
		info.CallerPhone = l.fallbackPhone
	}

	l.log = l.srv.log.With("call_sid", info.CallSID, "stream_sid", info.StreamSID)
	l.log.Info("telephony: start", "caller", info.CallerPhone, "encoding", info.Format.Encoding)

	sess, err := l.srv.factory.StartSession(ctx, info, l.conn)
	if err != nil {
		observe.Logger(ctx, l.log).Error("telephony: start session", "err", err)
		return
	}
	l.session = sess
	l.streamSID = info.StreamSID
}

func (l *loop) closeSession() {
	if l.session == nil {
		return
	}
	l.session.Close()
	l.session = nil
}

func (l *loop) logDisconnect(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		l.log.Info("telephony: socket closed", "stream_sid", l.streamSID)
		return
	}
	if errors.Is(err, context.Canceled) {
		l.log.Info("telephony: loop cancelled", "stream_sid", l.streamSID)
		return
	}
	l.log.Warn("telephony: socket read failed", "stream_sid", l.streamSID, "err", err)
}
