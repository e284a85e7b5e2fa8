package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Converter requests a best-effort container/codec conversion of an
// uploaded asset. Conversion failures are reported to the caller, who is
// expected to fall back to the original reference rather than fail the run.
type Converter struct {
	baseURL string
	client  *http.Client
}

func NewConverter(baseURL string) *Converter {
	return &Converter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type convertRequest struct {
	Key string `json:"key"`
}

type convertResponse struct {
	Converted bool   `json:"converted"`
	ReadURL   string `json:"read_url"`
	Key       string `json:"key"`
}

// Convert submits the storage key for conversion. Returns the converted
// reference, or nil when the service declined to convert.
func (c *Converter) Convert(ctx context.Context, key string) (*Reference, error) {
	body, err := json.Marshal(convertRequest{Key: key})
	if err != nil {
		return nil, fmt.Errorf("marshal convert request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build convert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransfer(ctx, fmt.Errorf("convert request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("convert failed (status=%d): %s", resp.StatusCode, msg)
	}

	var result convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode convert response: %w", err)
	}

	if !result.Converted {
		slog.DebugContext(ctx, "conversion declined by service", "key", key)
		return nil, nil
	}

	return &Reference{URL: result.ReadURL, Key: result.Key}, nil
}
