package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"heatersync/internal/core"
	"heatersync/internal/idgen"
)

const (
	// AuthHeader carries the session token on authenticated requests
	AuthHeader = "ar.authToken"
	// RequestIDHeader correlates a request with server-side logs
	RequestIDHeader = "X-Request-ID"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

var (
	// ErrNoToken means the login endpoint answered 2xx without a token
	ErrNoToken = errors.New("login response did not contain a token")
	// ErrRejected means the API answered {"success": false}
	ErrRejected = errors.New("operation rejected by remote API")
)

// Credentials are the account credentials used to log in
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StatusError is returned for any non-2xx HTTP response
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the water heater cloud API. It is stateless: the token is
// supplied per call by the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new remote API client. timeout bounds every HTTP call
// regardless of the context passed in.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "remote-client"),
	}
}

type loginResponse struct {
	Token string `json:"token"`
}

type deviceStateResponse struct {
	Power         bool    `json:"power"`
	Mode          string  `json:"mode"`
	Eco           bool    `json:"eco"`
	Temp          float64 `json:"temp"`
	ReqTemp       float64 `json:"reqTemp"`
	HeatingActive bool    `json:"heatingActive"`
}

type temperatureRequest struct {
	Old float64 `json:"old"`
	New float64 `json:"new"`
	Eco bool    `json:"eco"`
}

type modeRequest struct {
	Mode core.Mode `json:"mode"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Login exchanges credentials for a session token
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/login", "", creds, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", ErrNoToken
	}
	return resp.Token, nil
}

// GetDeviceState fetches the full state of one plant
func (c *Client) GetDeviceState(ctx context.Context, token, plantID string) (core.DeviceState, error) {
	var resp deviceStateResponse
	if err := c.do(ctx, "get device state", http.MethodGet, devicePath(plantID, ""), token, nil, &resp); err != nil {
		return core.DeviceState{}, err
	}

	mode := core.Mode(resp.Mode)
	if !mode.Valid() {
		return core.DeviceState{}, fmt.Errorf("%w: unknown mode %q in device state", core.ErrRemote, resp.Mode)
	}

	return core.DeviceState{
		Power:         resp.Power,
		Mode:          mode,
		Eco:           resp.Eco,
		CurrentTemp:   resp.Temp,
		TargetTemp:    resp.ReqTemp,
		HeatingActive: resp.HeatingActive,
	}, nil
}

// SetTemperature changes the target temperature
func (c *Client) SetTemperature(ctx context.Context, token, plantID string, oldTemp, newTemp float64, eco bool) error {
	body := temperatureRequest{Old: oldTemp, New: newTemp, Eco: eco}
	return c.command(ctx, "set temperature", devicePath(plantID, "temperature"), token, body)
}

// SwitchPower turns the heater on or off
func (c *Client) SwitchPower(ctx context.Context, token, plantID string, on bool) error {
	return c.command(ctx, "switch power", devicePath(plantID, "switch"), token, on)
}

// SwitchEco turns eco mode on or off
func (c *Client) SwitchEco(ctx context.Context, token, plantID string, on bool) error {
	return c.command(ctx, "switch eco", devicePath(plantID, "switchEco"), token, on)
}

// SetMode changes the operating mode
func (c *Client) SetMode(ctx context.Context, token, plantID string, mode core.Mode) error {
	return c.command(ctx, "set mode", devicePath(plantID, "mode"), token, modeRequest{Mode: mode})
}

// command posts body and checks the {"success": bool} envelope
func (c *Client) command(ctx context.Context, op, path, token string, body interface{}) error {
	var resp successResponse
	if err := c.do(ctx, op, http.MethodPost, path, token, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %w", op, ErrRejected)
	}
	return nil
}

func devicePath(plantID, action string) string {
	p := "/deviceState/" + url.PathEscape(plantID)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends one request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, op, method, path, token string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, c.baseURL+path, token, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	c.logger.Debug("sending request", "op", op, "method", method, "path", path,
		"request_id", req.Header.Get(RequestIDHeader),
		"caller_request_id", idgen.RequestID(ctx))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := string(respBody)
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: b}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to parse %s response: %v", core.ErrRemote, op, err)
	}
	return nil
}

// newRequest creates a new HTTP request with standard headers
func (c *Client) newRequest(ctx context.Context, method, target, token string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader

	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(AuthHeader, token)
	}
	req.Header.Set(RequestIDHeader, idgen.New())

	return req, nil
}
