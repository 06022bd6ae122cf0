package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/me/gomh/pkg/model"
)

// Client communicates with the dispatcher API on behalf of a processor.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	processorID string
	key         string // Optional: processor key sent as X-Processor-Key
}

// NewClient creates a new processor API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetKey sets the processor key.
func (c *Client) SetKey(key string) {
	c.key = key
}

// ProcessorID returns the registered processor ID.
func (c *Client) ProcessorID() string {
	return c.processorID
}

// Register registers the processor and its cores and stores the assigned ID.
func (c *Client) Register(ctx context.Context, req model.RegisterRequest) (*model.Processor, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/processors", body)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var p model.Processor
	if err := decodeResponseData(resp, &p); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	c.processorID = p.ID
	return &p, nil
}

// Heartbeat keeps the processor online.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodPut, c.processorPath("/heartbeat"), nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Poll asks for a task for one core. Returns nil if no work is available (204).
func (c *Client) Poll(ctx context.Context, core string) (*model.TaskAssignment, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		c.processorPath("/cores/"+url.PathEscape(core)+"/task"), nil)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}

	var a model.TaskAssignment
	if err := decodeResponseData(resp, &a); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return &a, nil
}

// Report sends the outcome of an assigned task. A report the dispatcher no
// longer expects fails with an error matching model.ErrStaleReport.
func (c *Client) Report(ctx context.Context, core string, rep model.TaskReport) (*model.Ack, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPut,
		c.processorPath(fmt.Sprintf("/cores/%s/tasks/%d/result", url.PathEscape(core), rep.TaskID)), body)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}

	var ack model.Ack
	if err := decodeResponseData(resp, &ack); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	return &ack, nil
}

// Deregister removes the processor from the dispatcher.
func (c *Client) Deregister(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, c.processorPath(""), nil)
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) processorPath(suffix string) string {
	return "/api/v1/processors/" + url.PathEscape(c.processorID) + suffix
}

// doRequest executes an HTTP request and returns the response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Processor-Key", c.key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	return resp, nil
}

// StatusError is an HTTP error response from the dispatcher.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Is maps dispatcher status codes onto the model's error kinds.
func (e *StatusError) Is(target error) bool {
	switch target {
	case model.ErrStaleReport:
		return e.Code == http.StatusGone
	case model.ErrGateTimeout:
		return e.Code == http.StatusServiceUnavailable
	case model.ErrUnknownProcessor:
		return e.Code == http.StatusNotFound
	}
	return false
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	return json.Unmarshal(envelope.Data, dest)
}
