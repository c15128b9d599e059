package dialer

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

	contractx "github.com/coffeebeans/dialflow/agent/contract"
)

const maxResponseSizeBytes = 1 << 20

// Config points at the telephony provider's call API.
type Config struct {
	URL        string        `split_words:"true" required:"true"`
	Token      string        `split_words:"true" required:"true"`
	FromNumber string        `split_words:"true" required:"true"`
	Timeout    time.Duration `split_words:"true" default:"10s"`
}

// Client places outbound calls through the provider's REST API. The
// returned call SID becomes the dialogue session id.
type Client struct {
	baseURL    string
	token      string
	fromNumber string
	httpClient *http.Client
}

var _ contractx.Dialer = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("dialer url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid dialer url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("dialer token is required")
	}
	from := strings.TrimSpace(cfg.FromNumber)
	if from == "" {
		return nil, errors.New("dialer from number is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		fromNumber: from,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func MustNew(cfg Config) *Client {
	c, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

type placeCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type placeCallResponse struct {
	CallSID string `json:"call_sid"`
	Error   string `json:"error,omitempty"`
}

// PlaceCall starts an outbound call and returns the provider call SID.
func (c *Client) PlaceCall(ctx context.Context, phoneNumber string) (string, error) {
	to := strings.TrimSpace(phoneNumber)
	if to == "" {
		return "", errors.New("phone number is required")
	}

	body, err := json.Marshal(placeCallRequest{To: to, From: c.fromNumber})
	if err != nil {
		return "", fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute call request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return "", fmt.Errorf("read call response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("dialer http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed placeCallResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode call response: %w", err)
	}
	if parsed.Error != "" {
		return "", errors.New(parsed.Error)
	}
	if strings.TrimSpace(parsed.CallSID) == "" {
		return "", errors.New("dialer returned empty call sid")
	}
	return parsed.CallSID, nil
}
