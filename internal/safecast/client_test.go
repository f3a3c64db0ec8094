package safecast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponytojas/go-safecast-uploader/internal/models"
	"github.com/ponytojas/go-safecast-uploader/secrets"
)

func testCreds(t *testing.T, endpoint, key string) secrets.Record {
	t.Helper()
	r, err := secrets.Template().With(secrets.KeyAPIURL, endpoint)
	require.NoError(t, err)
	r, err = r.With(secrets.KeyAPIKey, key)
	require.NoError(t, err)
	return r
}

func newTestClient(t *testing.T, endpoint, key string) *Client {
	t.Helper()
	c := NewClient(testCreds(t, endpoint, key), time.Second, 2)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func testMeasurement() models.Measurement {
	return models.Measurement{
		CapturedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		DeviceID:   "249",
		Value:      42,
		Unit:       models.UnitCPM,
		Latitude:   "35.0",
		Longitude:  "139.0",
	}
}

func TestSubmit_Success(t *testing.T) {
	var got models.SafecastPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/measurements.json", r.URL.Path)
		assert.Equal(t, "secret-key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 972298, "value": 42}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/measurements.json", "secret-key")
	id, err := c.Submit(context.Background(), testMeasurement())

	require.NoError(t, err)
	assert.Equal(t, int64(972298), id)
	assert.Equal(t, testMeasurement().Payload(), got)
}

func TestSubmit_MissingAPIKey(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0/measurements.json", "")

	_, err := c.Submit(context.Background(), testMeasurement())

	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.True(t, IsPermanent(err))
}

func TestSubmit_PlaceholderLocation(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0/measurements.json", "key")
	m := testMeasurement()
	m.Latitude = secrets.DeviceLatitude

	_, err := c.Submit(context.Background(), m)

	assert.ErrorIs(t, err, ErrPlaceholderLocation)
	assert.True(t, IsPermanent(err))
}

func TestSubmit_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "key")
	id, err := c.Submit(context.Background(), testMeasurement())

	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "key")
	_, err := c.Submit(context.Background(), testMeasurement())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "bad-key")
	_, err := c.Submit(context.Background(), testMeasurement())

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_UndecodableResponseNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "key")
	_, err := c.Submit(context.Background(), testMeasurement())

	assert.ErrorIs(t, err, ErrUnconfirmed)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_NegativeRetriesTriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testCreds(t, srv.URL, "key"), time.Second, -1)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	_, err := c.Submit(context.Background(), testMeasurement())

	assert.Error(t, err)
	assert.Equal(t, 0, c.maxRetries)
	assert.Equal(t, int32(1), calls.Load())
}
