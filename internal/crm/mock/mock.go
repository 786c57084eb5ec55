// Package mock provides a test double for crm.Client.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/crm"
)

// AppointmentsCall records one GetScheduledAppointments call.
type AppointmentsCall struct {
	Start   time.Time
	End     time.Time
	OwnerID string
}

// Client is a mock implementation of crm.Client.
type Client struct {
	mu sync.Mutex

	// Persons maps phone numbers to records. Unknown numbers yield
	// crm.ErrNotFound.
	Persons   map[string]*crm.Person
	PersonErr error

	// Appointments is returned by GetScheduledAppointments, filtered to the
	// requested range.
	Appointments    []crm.Appointment
	AppointmentsErr error

	// ScheduleErrs is consumed one entry per ScheduleAppointment call; a nil
	// entry books the event.
	ScheduleErrs []error
	ScheduleErr  error

	LeadErr error

	PhoneLookups     []string
	AppointmentCalls []AppointmentsCall
	Scheduled        []crm.AppointmentRequest
	Leads            []crm.Lead
}

var _ crm.Client = (*Client)(nil)

// GetPersonByPhone implements crm.Client.
func (c *Client) GetPersonByPhone(_ context.Context, phone string) (*crm.Person, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PhoneLookups = append(c.PhoneLookups, phone)
	if c.PersonErr != nil {
		return nil, c.PersonErr
	}
	p, ok := c.Persons[phone]
	if !ok {
		return nil, crm.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetScheduledAppointments implements crm.Client.
func (c *Client) GetScheduledAppointments(_ context.Context, start, end time.Time, ownerID string) ([]crm.Appointment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AppointmentCalls = append(c.AppointmentCalls, AppointmentsCall{Start: start, End: end, OwnerID: ownerID})
	if c.AppointmentsErr != nil {
		return nil, c.AppointmentsErr
	}
	var out []crm.Appointment
	for _, a := range c.Appointments {
		if a.Start.Before(end) && start.Before(a.End) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ScheduleAppointment implements crm.Client. A booked event is also added to
// Appointments.
func (c *Client) ScheduleAppointment(_ context.Context, req crm.AppointmentRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scheduled = append(c.Scheduled, req)
	err := c.ScheduleErr
	if len(c.ScheduleErrs) > 0 {
		err = c.ScheduleErrs[0]
		c.ScheduleErrs = c.ScheduleErrs[1:]
	}
	if err != nil {
		return "", err
	}
	id := fmt.Sprintf("evt-%d", len(c.Scheduled))
	c.Appointments = append(c.Appointments, crm.Appointment{
		ID:      id,
		Subject: req.Subject,
		Start:   req.Start,
		End:     req.Start.Add(time.Duration(req.DurationMinutes) * time.Minute),
	})
	return id, nil
}

// CreateLead implements crm.Client.
func (c *Client) CreateLead(_ context.Context, lead crm.Lead) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Leads = append(c.Leads, lead)
	if c.LeadErr != nil {
		return "", c.LeadErr
	}
	return fmt.Sprintf("lead-%d", len(c.Leads)), nil
}

// ScheduledCount returns the number of ScheduleAppointment calls.
func (c *Client) ScheduledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Scheduled)
}
