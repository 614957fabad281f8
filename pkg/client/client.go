// Package client is the HTTP client for the relaymesh control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// DefaultTimeout bounds every request made by an HTTPClient.
const DefaultTimeout = 10 * time.Second

// APIClient defines the operations meshctl and the node agent perform
// against the control plane.
type APIClient interface {
	// Nodes
	ListNodes(ctx context.Context, q NodeQuery) ([]registry.NodeView, error)
	GetNode(ctx context.Context, id string) (*registry.NodeView, error)
	RegisterNode(ctx context.Context, req registry.RegisterRequest) (*registry.NodeView, error)
	Heartbeat(ctx context.Context, id string, hb registry.Heartbeat) (*registry.NodeView, error)
	DeregisterNode(ctx context.Context, id string) (*registry.NodeView, error)
	NetworkStatus(ctx context.Context) (*registry.NetworkStatus, error)

	// Routes
	FindRoute(ctx context.Context, req routing.Request) (*model.Route, error)
	ReportPerformance(ctx context.Context, routeID string, rep feedback.PerformanceReport) (*feedback.Result, error)
	ListRoutes(ctx context.Context, nodeID string, limit int) ([]model.Route, error)
	GetRoute(ctx context.Context, id string) (*model.Route, error)

	// Trust
	RecordTrustEvent(ctx context.Context, req trust.EventRequest) (*trust.EventResult, error)
	ListTrustEvents(ctx context.Context, entityID string, limit int) ([]model.ReputationEvent, error)
	Reputation(ctx context.Context, entityType, entityID string, windowHours float64) (*trust.Aggregate, error)
	ReportAbuse(ctx context.Context, req trust.AbuseReportRequest) (*model.AbuseReport, error)
	ListAbuseReports(ctx context.Context, status string) ([]model.AbuseReport, error)

	Health(ctx context.Context) error
}

// NodeQuery narrows ListNodes. Empty fields are not sent.
type NodeQuery struct {
	Identity string
	Status   string
	Role     string
	Level    string
}

// APIError is a non-2xx response. It unwraps to the errdefs sentinel that
// matches its status code, so errdefs.IsNotFound and friends work on client
// errors too.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("request failed: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return errdefs.ErrInvalid
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return errdefs.ErrUnavailable
	}
	return nil
}

// HTTPClient implements APIClient over the REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ APIClient = (*HTTPClient)(nil)

// New creates a client for baseURL (e.g. http://host:8080). A non-empty
// token is sent as a bearer credential.
func New(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *HTTPClient) ListNodes(ctx context.Context, q NodeQuery) ([]registry.NodeView, error) {
	v := url.Values{}
	setIf(v, "identity", q.Identity)
	setIf(v, "status", q.Status)
	setIf(v, "role", q.Role)
	setIf(v, "level", q.Level)
	var out []registry.NodeView
	return out, c.do(ctx, http.MethodGet, withQuery("/api/v1/nodes", v), nil, &out)
}

func (c *HTTPClient) GetNode(ctx context.Context, id string) (*registry.NodeView, error) {
	var out registry.NodeView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RegisterNode(ctx context.Context, req registry.RegisterRequest) (*registry.NodeView, error) {
	var out registry.NodeView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context, id string, hb registry.Heartbeat) (*registry.NodeView, error) {
	var out registry.NodeView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(id)+"/heartbeat", hb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeregisterNode(ctx context.Context, id string) (*registry.NodeView, error) {
	var out registry.NodeView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(id)+"/deregister", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) NetworkStatus(ctx context.Context) (*registry.NetworkStatus, error) {
	var out registry.NetworkStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/network/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) FindRoute(ctx context.Context, req routing.Request) (*model.Route, error) {
	var out model.Route
	if err := c.do(ctx, http.MethodPost, "/api/v1/routes/optimal", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ReportPerformance(ctx context.Context, routeID string, rep feedback.PerformanceReport) (*feedback.Result, error) {
	var out feedback.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/routes/"+url.PathEscape(routeID)+"/performance", rep, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListRoutes(ctx context.Context, nodeID string, limit int) ([]model.Route, error) {
	v := url.Values{}
	setIf(v, "node_id", nodeID)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []model.Route
	return out, c.do(ctx, http.MethodGet, withQuery("/api/v1/routes", v), nil, &out)
}

func (c *HTTPClient) GetRoute(ctx context.Context, id string) (*model.Route, error) {
	var out model.Route
	if err := c.do(ctx, http.MethodGet, "/api/v1/routes/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RecordTrustEvent(ctx context.Context, req trust.EventRequest) (*trust.EventResult, error) {
	var out trust.EventResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/trust/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListTrustEvents(ctx context.Context, entityID string, limit int) ([]model.ReputationEvent, error) {
	v := url.Values{}
	setIf(v, "entity_id", entityID)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out []model.ReputationEvent
	return out, c.do(ctx, http.MethodGet, withQuery("/api/v1/trust/events", v), nil, &out)
}

func (c *HTTPClient) Reputation(ctx context.Context, entityType, entityID string, windowHours float64) (*trust.Aggregate, error) {
	v := url.Values{}
	if windowHours > 0 {
		v.Set("window_hours", strconv.FormatFloat(windowHours, 'f', -1, 64))
	}
	path := "/api/v1/trust/reputation/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
	var out trust.Aggregate
	if err := c.do(ctx, http.MethodGet, withQuery(path, v), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ReportAbuse(ctx context.Context, req trust.AbuseReportRequest) (*model.AbuseReport, error) {
	var out model.AbuseReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/abuse-reports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListAbuseReports(ctx context.Context, status string) ([]model.AbuseReport, error) {
	v := url.Values{}
	setIf(v, "status", status)
	var out []model.AbuseReport
	return out, c.do(ctx, http.MethodGet, withQuery("/api/v1/abuse-reports", v), nil, &out)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, errors.Join(err, errdefs.ErrUnavailable))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	apiErr := &APIError{StatusCode: res.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func setIf(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}
