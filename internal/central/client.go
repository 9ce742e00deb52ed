// Package central is the HTTP client agents use to query the central message
// server.
package central

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

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:3000"

// APIError is a non-2xx answer from the central server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("central error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the central server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a central API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client. Per-call deadlines come from the context.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and returns the body of a 2xx answer.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

// AgentServers lists the servers an agent is attached to.
func (c *Client) AgentServers(ctx context.Context, agentID string) ([]string, error) {
	var resp struct {
		Servers []string `json:"servers"`
	}
	if err := c.getJSON(ctx, "/messaging/agents/"+url.PathEscape(agentID)+"/servers", &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// ServerChannels lists the channels of a server.
func (c *Client) ServerChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	var resp struct {
		Channels []models.Channel `json:"channels"`
	}
	if err := c.getJSON(ctx, "/messaging/central-servers/"+url.PathEscape(serverID)+"/channels", &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// ChannelParticipants lists the member ids of a channel.
func (c *Client) ChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, "/messaging/central-channels/"+url.PathEscape(channelID)+"/participants", &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ChannelDetails fetches one channel.
func (c *Client) ChannelDetails(ctx context.Context, channelID string) (*models.Channel, error) {
	var ch models.Channel
	if err := c.getJSON(ctx, "/messaging/central-channels/"+url.PathEscape(channelID)+"/details", &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// PostMessage submits a message to a channel, e.g. an agent's reply.
func (c *Client) PostMessage(ctx context.Context, req models.SubmitMessageRequest) (*models.Message, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost,
		"/messaging/central-channels/"+url.PathEscape(req.ChannelID)+"/messages", req)
	if err != nil {
		return nil, err
	}

	var msg models.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
