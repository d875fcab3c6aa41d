// Package fleet talks to the fleet backend that provisions and approves
// instances, and exposes its operations as operator chat commands.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

// ApprovalDurations are the subscription lengths, in months, the backend
// accepts.
var ApprovalDurations = []int{1, 2, 3, 6, 12}

type Status string

const (
	StatusNew      Status = "new"
	StatusApproved Status = "approved"
	StatusExpired  Status = "expired"
)

// Bot is one instance as listed by the backend. Timestamps are passed
// through as the backend formats them.
type Bot struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PhoneNumber    string `json:"phone_number"`
	Status         string `json:"status"`
	ServerName     string `json:"server_name"`
	DurationMonths int    `json:"duration_months"`
	CreatedAt      string `json:"created_at"`
	ApprovedAt     string `json:"approved_at"`
	ExpiresAt      string `json:"expires_at"`
	Port           int    `json:"port"`
}

type Approval struct {
	Message        string `json:"message"`
	InstanceID     string `json:"instance_id"`
	DurationMonths int    `json:"duration_months"`
	ExpiresAt      string `json:"expires_at"`
	Port           int    `json:"port"`
}

// Backend is the subset of the fleet backend API used by operator commands.
type Backend interface {
	Approve(ctx context.Context, instanceID string, months int) (Approval, error)
	List(ctx context.Context, status Status) ([]Bot, error)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// ValidDuration reports whether months is an accepted approval length.
func ValidDuration(months int) bool {
	return slices.Contains(ApprovalDurations, months)
}

func (c *Client) Approve(ctx context.Context, instanceID string, months int) (Approval, error) {
	errFactory := errors.New()

	if !ValidDuration(months) {
		return Approval{}, errFactory.WithMessage(ErrInvalidDuration,
			fmt.Sprintf("invalid duration %d, choose from 1, 2, 3, 6 or 12 months", months))
	}

	body, err := json.Marshal(struct {
		DurationMonths int `json:"duration_months"`
	}{DurationMonths: months})
	if err != nil {
		return Approval{}, errFactory.Wrap(ErrBackend, err)
	}

	endpoint := c.baseURL + "/api/instances/" + url.PathEscape(instanceID) + "/approve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Approval{}, errFactory.Wrap(ErrBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var approval Approval
	if err := c.do(req, &approval); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

func (c *Client) List(ctx context.Context, status Status) ([]Bot, error) {
	errFactory := errors.New()

	switch status {
	case StatusNew, StatusApproved, StatusExpired:
	default:
		return nil, errFactory.WithMessage(ErrInvalidStatus, fmt.Sprintf("unknown status %q", status))
	}

	endpoint := c.baseURL + "/api/instances?" + url.Values{"status": {string(status)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errFactory.Wrap(ErrBackend, err)
	}

	var listing struct {
		Instances []Bot `json:"instances"`
	}
	if err := c.do(req, &listing); err != nil {
		return nil, err
	}
	return listing.Instances, nil
}

func (c *Client) do(req *http.Request, out any) error {
	errFactory := errors.New()

	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errFactory.WithMessage(ErrBackend, backendError(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errFactory.Wrap(ErrBackendDecode, err)
	}
	return nil
}

// backendError extracts the backend's "detail" field, falling back to the
// HTTP status line.
func backendError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch d := body.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
	}

	return resp.Status
}
