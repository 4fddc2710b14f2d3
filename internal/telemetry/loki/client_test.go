package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Empty(t *testing.T) {
	assert.Nil(t, NewClient("  ", "", nil))
	var c *Client
	assert.NoError(t, c.PushDeadLetter(context.Background(), time.Now(), "t", []byte("x"), nil))
}

func TestPushDeadLetter(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "", srv.Client())
	at := time.Unix(1700000000, 5)
	err := c.PushDeadLetter(context.Background(), at, "iot/data/d 1", []byte(`{"temp":`), errors.New("message is not valid JSON"))
	require.NoError(t, err)

	require.Len(t, got.Streams, 1)
	s := got.Streams[0]
	assert.Equal(t, "iot-dataflow", s.Stream["job"])
	assert.Equal(t, "dead_letter", s.Stream["stream"])
	assert.Equal(t, "iot/data/d_1", s.Stream["topic"])
	require.Len(t, s.Values, 1)
	assert.Equal(t, "1700000000000000005", s.Values[0][0])

	var line deadLetter
	require.NoError(t, json.Unmarshal([]byte(s.Values[0][1]), &line))
	assert.Equal(t, `{"temp":`, line.Raw)
	assert.Equal(t, "message is not valid JSON", line.Reason)
	assert.False(t, line.Truncated)
}

func TestPushDeadLetter_Truncates(t *testing.T) {
	var line deadLetter
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(t, json.Unmarshal([]byte(req.Streams[0].Values[0][1]), &line))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "job", nil)
	raw := []byte(strings.Repeat("x", maxRawBytes+10))
	require.NoError(t, c.PushDeadLetter(context.Background(), time.Now(), "t", raw, nil))
	assert.True(t, line.Truncated)
	assert.Len(t, line.Raw, maxRawBytes)
}

func TestPushEvent_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "job", nil)
	err := c.PushEvent(context.Background(), time.Now(), "line", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
