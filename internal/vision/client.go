// Package vision talks to the video analysis collaborator. Analysis jobs
// report progress as a newline-delimited JSON status stream over a single
// long-lived HTTP response.
package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// No overall timeout: job duration scales with video length.
		// Cancellation flows through the request context instead.
		client: &http.Client{},
	}
}

type AnalyzeRequest struct {
	VideoURL string `json:"video_url"`
	Sport    string `json:"sport"`
	Mode     string `json:"mode"`
}

// statusLine is one NDJSON frame from the analysis stream.
type statusLine struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Result carries the finished analysis: per-category scores plus free-form
// observations the model derived from the footage.
type Result struct {
	Sport        string             `json:"sport"`
	Scores       map[string]float64 `json:"scores"`
	Observations []Observation      `json:"observations"`
	Raw          json.RawMessage    `json:"-"`
}

type Observation struct {
	Category  string  `json:"category"`
	TimeStart float64 `json:"time_start"`
	TimeEnd   float64 `json:"time_end"`
	Note      string  `json:"note"`
}

// ProgressFunc receives fractional analysis progress in the 0-100 range.
type ProgressFunc func(percent float64)

// Analyze submits the job and consumes the status stream until a terminal
// frame arrives. Non-terminal "processing" frames feed onProgress.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest, onProgress ProgressFunc) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("analyze failed (status=%d): %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var status statusLine
		if err := json.Unmarshal(line, &status); err != nil {
			slog.WarnContext(ctx, "skipping malformed status frame", "error", err)
			continue
		}

		switch status.Status {
		case "processing":
			if onProgress != nil {
				onProgress(status.Progress)
			}
		case "done":
			var result Result
			if err := json.Unmarshal(status.Result, &result); err != nil {
				return nil, fmt.Errorf("decode analysis result: %w", err)
			}
			result.Raw = status.Result
			slog.InfoContext(ctx, "analysis finished",
				"sport", req.Sport,
				"duration_ms", time.Since(start).Milliseconds())
			return &result, nil
		case "error":
			return nil, fmt.Errorf("analysis failed: %s", status.Error)
		default:
			slog.DebugContext(ctx, "ignoring unknown status frame", "status", status.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading status stream: %w", err)
	}

	return nil, fmt.Errorf("status stream ended without terminal frame")
}
