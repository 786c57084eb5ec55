package crm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Client = (*MemClient)(nil)

// MemClient is an in-process Client for local runs without a CRM gateway.
// It knows no callers, keeps booked events so that later calls see them as
// busy, and refuses overlapping bookings. Data is lost on restart.
type MemClient struct {
	mu           sync.Mutex
	appointments []Appointment
	owners       map[string]string
	leads        []Lead
}

// NewMemClient returns an empty MemClient.
func NewMemClient() *MemClient {
	return &MemClient{owners: make(map[string]string)}
}

// GetPersonByPhone implements Client. Every number is unknown.
func (c *MemClient) GetPersonByPhone(context.Context, string) (*Person, error) {
	return nil, ErrNotFound
}

// GetScheduledAppointments implements Client.
func (c *MemClient) GetScheduledAppointments(_ context.Context, start, end time.Time, ownerID string) ([]Appointment, error) {
	if !start.Before(end) {
		return nil, errors.New("crm: empty appointment range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Appointment
	for _, a := range c.appointments {
		if ownerID != "" && c.owners[a.ID] != ownerID {
			continue
		}
		if a.Start.Before(end) && start.Before(a.End) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ScheduleAppointment implements Client. It fails with ErrSlotUnavailable
// when the event overlaps one already booked on the same calendar.
func (c *MemClient) ScheduleAppointment(_ context.Context, req AppointmentRequest) (string, error) {
	if req.DurationMinutes <= 0 {
		return "", errors.New("crm: appointment duration must be positive")
	}
	a := Appointment{
		ID:      uuid.NewString(),
		Subject: req.Subject,
		Start:   req.Start,
		End:     req.Start.Add(time.Duration(req.DurationMinutes) * time.Minute),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.appointments {
		if c.owners[b.ID] == req.OwnerID && a.Start.Before(b.End) && b.Start.Before(a.End) {
			return "", ErrSlotUnavailable
		}
	}
	c.appointments = append(c.appointments, a)
	c.owners[a.ID] = req.OwnerID
	return a.ID, nil
}

// CreateLead implements Client.
func (c *MemClient) CreateLead(_ context.Context, lead Lead) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leads = append(c.leads, lead)
	return uuid.NewString(), nil
}

// Leads returns the leads created so far.
func (c *MemClient) Leads() []Lead {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Lead(nil), c.leads...)
}
