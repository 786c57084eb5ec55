package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
	"github.com/festnoze/squad-ai-sub002/internal/resilience"
)

const defaultTimeout = 10 * time.Second

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.client = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(c *HTTPClient) { c.retry = p }
}

// HTTPClient is a Client talking to the CRM gateway.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	retry   resilience.RetryPolicy
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("crm: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("crm: invalid base URL: %w", err)
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		retry:   resilience.DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type personResponse struct {
	Type string `json:"type"`
	Data Person `json:"data"`
}

// GetPersonByPhone implements Client.
func (c *HTTPClient) GetPersonByPhone(ctx context.Context, phone string) (*Person, error) {
	const op = "crm: get person by phone"
	q := url.Values{"phone": {phone}}
	var resp personResponse
	status, err := c.do(ctx, op, http.MethodGet, "/persons?"+q.Encode(), nil, &resp, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	p := resp.Data
	if p.Type == "" {
		p.Type = resp.Type
	}
	return &p, nil
}

type appointmentDTO struct {
	ID            string    `json:"Id"`
	Subject       string    `json:"Subject"`
	StartDateTime time.Time `json:"StartDateTime"`
	EndDateTime   time.Time `json:"EndDateTime"`
}

// GetScheduledAppointments implements Client.
func (c *HTTPClient) GetScheduledAppointments(ctx context.Context, start, end time.Time, ownerID string) ([]Appointment, error) {
	const op = "crm: get scheduled appointments"
	q := url.Values{
		"start": {start.UTC().Format(time.RFC3339)},
		"end":   {end.UTC().Format(time.RFC3339)},
	}
	if ownerID != "" {
		q.Set("owner_id", ownerID)
	}
	var dtos []appointmentDTO
	if _, err := c.do(ctx, op, http.MethodGet, "/appointments?"+q.Encode(), nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, Appointment{ID: d.ID, Subject: d.Subject, Start: d.StartDateTime, End: d.EndDateTime})
	}
	return out, nil
}

type idResponse struct {
	ID string `json:"id"`
}

// ScheduleAppointment implements Client. A 409 answer means the slot was
// taken and yields ErrSlotUnavailable.
func (c *HTTPClient) ScheduleAppointment(ctx context.Context, req AppointmentRequest) (string, error) {
	const op = "crm: schedule appointment"
	var resp idResponse
	status, err := c.do(ctx, op, http.MethodPost, "/appointments", req, &resp, http.StatusConflict)
	if err != nil {
		return "", err
	}
	if status == http.StatusConflict {
		return "", ErrSlotUnavailable
	}
	if resp.ID == "" {
		return "", faults.New(faults.Permanent, op, errors.New("response carries no event id"))
	}
	return resp.ID, nil
}

// CreateLead implements Client.
func (c *HTTPClient) CreateLead(ctx context.Context, lead Lead) (string, error) {
	const op = "crm: create lead"
	var resp idResponse
	if _, err := c.do(ctx, op, http.MethodPost, "/leads", lead, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// do performs a JSON request with retries. Statuses listed in accept are
// returned without decoding instead of being treated as errors.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any, accept ...int) (int, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
	}
	return resilience.RetryValue(ctx, op, c.retry, func(ctx context.Context) (int, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return 0, fmt.Errorf("%s: create request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, faults.New(faults.Transient, op, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, faults.New(faults.Transient, op+": read response", err)
		}

		for _, s := range accept {
			if resp.StatusCode == s {
				return s, nil
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, faults.FromStatus(op, resp.StatusCode, data)
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, faults.New(faults.Permanent, op+": decode response", err)
			}
		}
		return resp.StatusCode, nil
	})
}
