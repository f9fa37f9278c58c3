package backend

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// WorkRequest is a helpdesk ticket as returned by the backend.
type WorkRequest struct {
	ID          int64     `json:"id" validate:"required"`
	Number      string    `json:"number"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Priority    string    `json:"priority"`
	RequestedBy string    `json:"requestedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WorkRequestPage is one page of work requests.
type WorkRequestPage struct {
	Items []WorkRequest `json:"items" validate:"dive"`
	Total int           `json:"total" validate:"gte=0"`
}

// WorkRequestQuery filters GET /work-requests.
type WorkRequestQuery struct {
	ClientID int64
	Status   string
	Page     int
	PerPage  int
}

// NewWorkRequest is the payload of POST /work-requests.
type NewWorkRequest struct {
	ClientID    int64  `json:"clientId"`
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=4000"`
	Location    string `json:"location" validate:"required,max=200"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

// ListWorkRequests calls GET /work-requests.
func (c *Client) ListWorkRequests(ctx context.Context, accessToken string, q WorkRequestQuery) (*WorkRequestPage, error) {
	const path = "/work-requests"
	values := url.Values{}
	if q.ClientID > 0 {
		values.Set("clientId", strconv.FormatInt(q.ClientID, 10))
	}
	if q.Status != "" {
		values.Set("status", q.Status)
	}
	if q.Page > 0 {
		values.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		values.Set("perPage", strconv.Itoa(q.PerPage))
	}
	var page WorkRequestPage
	if err := c.do(ctx, http.MethodGet, path, values, accessToken, nil, &page); err != nil {
		return nil, err
	}
	if err := c.validateStruct(path, page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateWorkRequest calls POST /work-requests and returns the created record.
func (c *Client) CreateWorkRequest(ctx context.Context, accessToken string, in NewWorkRequest) (*WorkRequest, error) {
	const path = "/work-requests"
	var created WorkRequest
	if err := c.do(ctx, http.MethodPost, path, nil, accessToken, in, &created); err != nil {
		return nil, err
	}
	if err := c.validateStruct(path, created); err != nil {
		return nil, err
	}
	return &created, nil
}
