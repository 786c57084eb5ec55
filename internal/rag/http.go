package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

// DefaultStreamPath is the inference endpoint of the RAG service.
const DefaultStreamPath = "/rag/inference/conversation/ask-question/stream"

// Option configures an HTTPStreamer.
type Option func(*HTTPStreamer)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(s *HTTPStreamer) { s.token = token }
}

// WithPath overrides DefaultStreamPath.
func WithPath(path string) Option {
	return func(s *HTTPStreamer) { s.path = path }
}

// WithHTTPClient replaces the HTTP client. Its Timeout must cover the whole
// stream; prefer context deadlines.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *HTTPStreamer) { s.client = hc }
}

// WithModels forwards the retrieval models the service should use.
func WithModels(bm25, embedding string) Option {
	return func(s *HTTPStreamer) {
		s.bm25Model = bm25
		s.embeddingModel = embedding
	}
}

// HTTPStreamer streams answers from the RAG service over HTTP. The service
// answers either with server-sent events ("data: ..." lines) or with a raw
// chunked text body; both are accepted.
type HTTPStreamer struct {
	baseURL        string
	path           string
	token          string
	bm25Model      string
	embeddingModel string
	client         *http.Client
}

var _ Streamer = (*HTTPStreamer)(nil)

// NewHTTPStreamer returns a streamer for the service at baseURL.
func NewHTTPStreamer(baseURL string, opts ...Option) (*HTTPStreamer, error) {
	if baseURL == "" {
		return nil, errors.New("rag: base URL must not be empty")
	}
	s := &HTTPStreamer{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    DefaultStreamPath,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type streamRequest struct {
	ConversationID        string `json:"conversation_id"`
	UserQueryContent      string `json:"user_query_content"`
	DisplayWaitingMessage bool   `json:"display_waiting_message"`
	BM25Model             string `json:"bm25_model,omitempty"`
	EmbeddingModel        string `json:"embedding_model,omitempty"`
}

// Stream implements Streamer.
func (s *HTTPStreamer) Stream(ctx context.Context, conversationID, query string) (<-chan Chunk, error) {
	const op = "rag: stream"
	body, err := json.Marshal(streamRequest{
		ConversationID:   conversationID,
		UserQueryContent: query,
		BM25Model:        s.bm25Model,
		EmbeddingModel:   s.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, text/plain")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, faults.New(faults.Transient, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, faults.FromStatus(op, resp.StatusCode, data)
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var readErr error
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			readErr = readEvents(ctx, resp.Body, ch)
		} else {
			readErr = readRaw(ctx, resp.Body, ch)
		}
		if readErr != nil && ctx.Err() == nil {
			send(ctx, ch, Chunk{Err: faults.New(faults.Transient, op+": read", readErr)})
		}
	}()
	return ch, nil
}

func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// readEvents parses server-sent events. Each data line is one delta; a
// "[DONE]" payload ends the stream.
func readEvents(ctx context.Context, r io.Reader, ch chan<- Chunk) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "[DONE]" {
			return nil
		}
		if data == "" {
			continue
		}
		if !send(ctx, ch, Chunk{Text: data}) {
			return nil
		}
	}
	return sc.Err()
}

// readRaw forwards the body as it arrives.
func readRaw(ctx context.Context, r io.Reader, ch chan<- Chunk) error {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			// Hold back an incomplete trailing UTF-8 sequence.
			cut := validPrefix(pending)
			if cut > 0 {
				if !send(ctx, ch, Chunk{Text: string(pending[:cut])}) {
					return nil
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				send(ctx, ch, Chunk{Text: string(pending)})
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// validPrefix returns the length of b without a truncated final rune.
func validPrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-4; i-- {
		c := b[i]
		if c < 0x80 {
			return len(b)
		}
		if c >= 0xC0 {
			need := 2
			switch {
			case c >= 0xF0:
				need = 4
			case c >= 0xE0:
				need = 3
			}
			if len(b)-i >= need {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Collect drains ch and returns the concatenated text. It is meant for tests
// and non-streaming callers.
func Collect(ch <-chan Chunk) (string, error) {
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			return b.String(), c.Err
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}
