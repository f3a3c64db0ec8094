// Package safecast posts measurements to the Safecast API.
package safecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ponytojas/go-safecast-uploader/internal/models"
	"github.com/ponytojas/go-safecast-uploader/secrets"
)

var (
	// ErrMissingAPIKey is returned when no API key was configured.
	ErrMissingAPIKey = errors.New("safecast API key is not set")
	// ErrPlaceholderLocation is returned when the measurement coordinates
	// are not decimal degrees, usually because the template was not filled in.
	ErrPlaceholderLocation = errors.New("device location is not a decimal coordinate")
	// ErrUnconfirmed is returned when Safecast accepted the measurement but
	// the response did not carry a readable ID. The measurement must not be
	// posted again.
	ErrUnconfirmed = errors.New("measurement accepted without a readable ID")
)

// APIError is a non-2xx response from the measurements endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("safecast API returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsPermanent reports whether err will recur for every measurement until
// the configuration changes.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrPlaceholderLocation) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// Client uploads measurements using one set of credentials
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	maxRetries int
	newBackOff func() backoff.BackOff
}

// NewClient creates a client for the endpoint and key in creds
func NewClient(creds secrets.Record, timeout time.Duration, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   creds.APIURL,
		apiKey:     creds.APIKey,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Submit posts m and returns the ID Safecast assigned to it. An error
// wrapping ErrUnconfirmed means the post was accepted regardless.
func (c *Client) Submit(ctx context.Context, m models.Measurement) (int64, error) {
	if c.apiKey == "" {
		return 0, ErrMissingAPIKey
	}
	loc := secrets.Record{DeviceLatitude: m.Latitude, DeviceLongitude: m.Longitude}
	if _, _, err := loc.Coordinates(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPlaceholderLocation, err)
	}

	reqURL, err := c.requestURL()
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(m.Payload())
	if err != nil {
		return 0, fmt.Errorf("failed to encode measurement: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	attempt := 0
	return backoff.RetryWithData(func() (int64, error) {
		attempt++
		id, err := c.post(ctx, reqURL, body)
		if err == nil {
			return id, nil
		}
		if IsPermanent(err) || errors.Is(err, ErrUnconfirmed) {
			return 0, backoff.Permanent(err)
		}
		log.Printf("Safecast upload attempt %d failed: %v", attempt, err)
		return 0, err
	}, b)
}

func (c *Client) requestURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid safecast API URL %q: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) post(ctx context.Context, reqURL string, body []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post measurement: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created models.SafecastResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	return created.ID, nil
}
