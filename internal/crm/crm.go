// Package crm is the client side of the CRM collaborator: caller lookup by
// phone, calendar queries, appointment booking and lead injection.
//
// The CRM sits behind a small REST gateway that handles its authentication;
// [HTTPClient] talks to that gateway with a bearer token and retries
// transient failures with bounded backoff.
package crm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no person matches a phone number.
var ErrNotFound = errors.New("crm: not found")

// ErrSlotUnavailable is returned by ScheduleAppointment when the slot was
// taken in the meantime.
var ErrSlotUnavailable = errors.New("crm: slot no longer available")

// Person types.
const (
	PersonContact = "contact"
	PersonLead    = "lead"
)

// User is a CRM user, typically the advisor owning a record.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
}

// Person is a contact or lead matched by phone number.
type Person struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Owner     *User  `json:"owner,omitempty"`

	// OpportunityOwner owns the person's open opportunity, if any. It takes
	// precedence over Owner for appointments.
	OpportunityOwner *User `json:"opportunity_owner,omitempty"`
}

// FullName returns "First Last", trimmed.
func (p *Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Advisor returns the user appointments should be booked with.
func (p *Person) Advisor() *User {
	if p.OpportunityOwner != nil {
		return p.OpportunityOwner
	}
	return p.Owner
}

// Appointment is a scheduled calendar event.
type Appointment struct {
	ID      string    `json:"id,omitempty"`
	Subject string    `json:"subject"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// AppointmentRequest books a new event.
type AppointmentRequest struct {
	Subject         string    `json:"subject"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Description     string    `json:"description,omitempty"`

	// WhoID links the event to a contact or lead.
	WhoID string `json:"who_id,omitempty"`

	// OwnerID is the advisor's calendar. Empty uses the gateway default.
	OwnerID string `json:"owner_id,omitempty"`
}

// Lead is a prospect captured during a call.
type Lead struct {
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	TrainingInterest string `json:"training_interest,omitempty"`
	Source           string `json:"source,omitempty"`
}

// Client is the CRM collaborator. Implementations must be safe for
// concurrent use.
type Client interface {
	// GetPersonByPhone returns the contact or lead owning phone, or
	// ErrNotFound.
	GetPersonByPhone(ctx context.Context, phone string) (*Person, error)

	// GetScheduledAppointments lists events overlapping [start, end) on the
	// calendar of ownerID (all calendars when empty).
	GetScheduledAppointments(ctx context.Context, start, end time.Time, ownerID string) ([]Appointment, error)

	// ScheduleAppointment books an event and returns its id.
	ScheduleAppointment(ctx context.Context, req AppointmentRequest) (string, error)

	// CreateLead injects a lead and returns its id.
	CreateLead(ctx context.Context, lead Lead) (string, error)
}
