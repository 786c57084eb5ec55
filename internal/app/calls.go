package app

import (
	"encoding/json"
	"net/http"
	"time"
)

type callView struct {
	CallSID     string    `json:"call_sid"`
	StreamSID   string    `json:"stream_sid"`
	CallerPhone string    `json:"caller_phone"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
}

// listCalls serves GET /calls: the calls in progress, oldest first.
func (a *App) listCalls(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	infos := a.calls.Calls()
	out := make([]callView, 0, len(infos))
	for _, c := range infos {
		out = append(out, callView{
			CallSID:     c.CallSID,
			StreamSID:   c.StreamSID,
			CallerPhone: c.CallerPhone,
			StartedAt:   c.StartedAt,
			Duration:    now.Sub(c.StartedAt).Round(time.Second).String(),
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Warn("encode calls", "err", err)
	}
}
