package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/schedule"
)

// StatusError is a non-2xx answer from the adherence API
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("adherence api: %d %s", e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client talks to the adherence API over HTTP
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Medicines fetches a patient's medicine list with embedded adherence
func (c *Client) Medicines(ctx context.Context, patientID string) ([]schedule.Medicine, error) {
	var body struct {
		Medicines []schedule.Medicine `json:"medicines"`
	}
	if err := c.do(ctx, http.MethodGet, c.patientPath(patientID, "medicines"), nil, &body); err != nil {
		return nil, err
	}
	return body.Medicines, nil
}

// RecordAdherence posts one adherence mark for the medicine at index
func (c *Client) RecordAdherence(ctx context.Context, patientID string, index int, in patient.AdherenceInput) error {
	return c.do(ctx, http.MethodPost, c.patientPath(patientID, "adherence", strconv.Itoa(index)), in, nil)
}

// AddMedicine appends a medicine to the patient's list and returns its index
func (c *Client) AddMedicine(ctx context.Context, patientID string, m schedule.Medicine) (int, error) {
	var body struct {
		MedicineIndex int `json:"medicineIndex"`
	}
	if err := c.do(ctx, http.MethodPost, c.patientPath(patientID, "medicines"), m, &body); err != nil {
		return 0, err
	}
	return body.MedicineIndex, nil
}

func (c *Client) patientPath(patientID string, parts ...string) string {
	p := c.baseURL + "/api/v1/patients/" + url.PathEscape(patientID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
