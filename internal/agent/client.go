package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks JSON over HTTP to the local agent daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the agent at baseURL
// (e.g. http://localhost:3001).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// Backstop only. Callers bound calls with contexts, and the
		// identity resolve screen waits up to 15s for a slow agent, so
		// this must sit above every flow deadline or a slow agent gets
		// misreported as unreachable.
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type pingResponse struct {
	Code string `json:"code"`
}

type provisionStatusResponse struct {
	Status bool `json:"status"`
}

type machineIDResponse struct {
	MachineID string `json:"machine_id"`
}

type machineInfoRequest struct {
	Key string `json:"key"`
}

type machineInfoResponse struct {
	Value string `json:"value"`
}

type generateCodeResponse struct {
	Code string `json:"code"`
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

type submitCodeResponse struct {
	Success bool `json:"success"`
}

func (c *Client) PingStatus(ctx context.Context) (string, error) {
	var out pingResponse
	if err := c.call(ctx, "ping", nil, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func (c *Client) ProvisionStatus(ctx context.Context) (bool, error) {
	var out provisionStatusResponse
	if err := c.call(ctx, "provision/status", nil, &out); err != nil {
		return false, err
	}
	return out.Status, nil
}

func (c *Client) MachineID(ctx context.Context) (string, error) {
	var out machineIDResponse
	if err := c.call(ctx, "machine/id", nil, &out); err != nil {
		return "", err
	}
	return out.MachineID, nil
}

func (c *Client) MachineInfo(ctx context.Context, key string) (string, error) {
	var out machineInfoResponse
	if err := c.call(ctx, "machine/info", machineInfoRequest{Key: key}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *Client) GenerateCode(ctx context.Context) (string, error) {
	var out generateCodeResponse
	if err := c.call(ctx, "provision/code", nil, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func (c *Client) SubmitCode(ctx context.Context, code string) (bool, error) {
	var out submitCodeResponse
	if err := c.call(ctx, "provision/submit", submitCodeRequest{Code: code}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (c *Client) Exit(ctx context.Context) error {
	return c.call(ctx, "exit", nil, nil)
}

// call performs one round trip. Failures are classified: transport errors
// are Unreachable, non-2xx answers are Rejected, undecodable bodies are
// MalformedResponse.
func (c *Client) call(ctx context.Context, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: MalformedResponse, Op: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+op, body)
	if err != nil {
		return &Error{Kind: Unreachable, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: Unreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Kind: Rejected, Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: MalformedResponse, Op: op, Err: err}
	}
	return nil
}
