package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/stepflow/internal/domain"
	"github.com/timmy/stepflow/internal/service"
)

// ErrNoWork is returned by Claim when the orchestrator has nothing for the service.
var ErrNoWork = errors.New("no work available")

// Report is the completion body sent for a claimed item.
type Report struct {
	Status           domain.WorkItemStatus `json:"status"`
	Results          []string              `json:"results,omitempty"`
	OutputSizes      []int64               `json:"outputSizes,omitempty"`
	ErrorMessage     string                `json:"errorMessage,omitempty"`
	Hits             int                   `json:"hits,omitempty"`
	ScrollToken      []byte                `json:"scrollToken,omitempty"`
	SearchAfterToken []byte                `json:"searchAfterToken,omitempty"`
	DurationMs       int64                 `json:"durationMs,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the orchestrator's work API.
type Client struct {
	client *resty.Client
}

// NewClient creates a work API client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	client.SetHeader("Content-Type", "application/json")
	return &Client{client: client}
}

// Claim asks for the next item of serviceID.
// Returns:
//   - *service.ClaimedWork: the claimed item and its metadata.
//   - error: ErrNoWork when nothing is available.
func (c *Client) Claim(ctx context.Context, serviceID string) (*service.ClaimedWork, error) {
	var claimed service.ClaimedWork
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("serviceId", serviceID).
		SetResult(&claimed).
		SetError(&apiErr).
		Get("/work")
	if err != nil {
		return nil, fmt.Errorf("failed to claim work: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &claimed, nil
	case http.StatusNotFound:
		return nil, ErrNoWork
	default:
		return nil, apiError("claim work", resp.StatusCode(), apiErr)
	}
}

// Complete reports the outcome of item id.
func (c *Client) Complete(ctx context.Context, id uint64, report *Report) (*domain.WorkItem, error) {
	var item domain.WorkItem
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(report).
		SetResult(&item).
		SetError(&apiErr).
		Put("/work/" + strconv.FormatUint(id, 10))
	if err != nil {
		return nil, fmt.Errorf("failed to report work item %d: %w", id, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("report work item", resp.StatusCode(), apiErr)
	}
	return &item, nil
}

// Get fetches the current state of item id.
func (c *Client) Get(ctx context.Context, id uint64) (*domain.WorkItem, error) {
	var item domain.WorkItem
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&item).
		SetError(&apiErr).
		Get("/work/" + strconv.FormatUint(id, 10))
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %d: %w", id, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError("get work item", resp.StatusCode(), apiErr)
	}
	return &item, nil
}

func apiError(op string, status int, body errorResponse) error {
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("failed to %s: status %d: %s", op, status, msg)
}
