package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dialer places outbound PSTN calls through a telephony provider.
type Dialer interface {
	// PlaceCall dials to from from. When the callee answers, the provider
	// fetches controlURL and follows the returned descriptor. Returns the
	// provider call SID.
	PlaceCall(ctx context.Context, to, from, controlURL string, timeout time.Duration) (string, error)
	// Hangup terminates an in-progress call. Best effort.
	Hangup(ctx context.Context, sid string) error
}

// ProviderError reports a rejected request to the telephony provider.
type ProviderError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("twilio %s: HTTP %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("twilio %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
}

// TwilioDialer implements Dialer using the Twilio REST API.
type TwilioDialer struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioDialer(cfg TwilioConfig) *TwilioDialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &TwilioDialer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *TwilioDialer) PlaceCall(ctx context.Context, to, from, controlURL string, timeout time.Duration) (string, error) {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json",
		strings.TrimRight(d.cfg.BaseURL, "/"), d.cfg.AccountSID)

	form := url.Values{
		"To":      {to},
		"From":    {from},
		"Url":     {controlURL},
		"Timeout": {strconv.Itoa(int(timeout / time.Second))},
	}

	body, status, err := d.postForm(ctx, apiURL, form)
	if err != nil {
		return "", &ProviderError{Op: "place call", Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &ProviderError{Op: "place call", Status: status, Body: strings.TrimSpace(string(body))}
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ProviderError{Op: "place call", Err: fmt.Errorf("parse response: %w", err)}
	}
	return result.SID, nil
}

func (d *TwilioDialer) Hangup(ctx context.Context, sid string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		strings.TrimRight(d.cfg.BaseURL, "/"), d.cfg.AccountSID, url.PathEscape(sid))

	form := url.Values{"Status": {"completed"}}
	body, status, err := d.postForm(ctx, apiURL, form)
	if err != nil {
		return &ProviderError{Op: "hangup", Err: err}
	}
	if status < 200 || status >= 300 {
		return &ProviderError{Op: "hangup", Status: status, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

func (d *TwilioDialer) postForm(ctx context.Context, apiURL string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

// MockDialer is a test double for Dialer.
type MockDialer struct {
	mu         sync.Mutex
	PlaceErr   error
	HangupErr  error
	PlacedTo   []string
	PlacedURLs []string
	Hangups    []string
}

func NewMockDialer() *MockDialer { return &MockDialer{} }

func (d *MockDialer) PlaceCall(_ context.Context, to, _, controlURL string, _ time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlaceErr != nil {
		return "", d.PlaceErr
	}
	d.PlacedTo = append(d.PlacedTo, to)
	d.PlacedURLs = append(d.PlacedURLs, controlURL)
	return "CA" + uuid.NewString(), nil
}

func (d *MockDialer) Hangup(_ context.Context, sid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Hangups = append(d.Hangups, sid)
	return d.HangupErr
}
