// Package loki pushes rejected inbound messages to Grafana Loki as a dead-letter stream.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values we emit.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:/.]`)

// maxRawBytes caps how much of a rejected payload is kept in the dead-letter line.
const maxRawBytes = 16 << 10

// Client pushes to one Loki instance.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://localhost:3100), or nil when baseURL is empty.
func NewClient(baseURL, job string, httpClient *http.Client) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if job == "" {
		job = "iot-dataflow"
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), job: job, http: httpClient}
}

// deadLetter is the JSON line written for each rejected message.
type deadLetter struct {
	Topic     string `json:"topic"`
	Reason    string `json:"reason"`
	Raw       string `json:"raw"`
	Truncated bool   `json:"truncated,omitempty"`
}

// PushDeadLetter records a message that could not be parsed. Nil-safe.
func (c *Client) PushDeadLetter(ctx context.Context, at time.Time, topic string, raw []byte, reason error) error {
	if c == nil {
		return nil
	}
	entry := deadLetter{Topic: topic, Raw: string(raw)}
	if reason != nil {
		entry.Reason = reason.Error()
	}
	if len(raw) > maxRawBytes {
		entry.Raw = string(raw[:maxRawBytes])
		entry.Truncated = true
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.PushEvent(ctx, at, string(line), map[string]string{
		"stream": "dead_letter",
		"topic":  topic,
	})
}

// PushEvent sends a single log line. labels are added to the stream next to job.
// Returns an error if the HTTP request fails or Loki returns non-2xx.
func (c *Client) PushEvent(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = c.job
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
