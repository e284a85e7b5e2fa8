package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
)

// Reference is a stable remote location for an uploaded media asset.
type Reference struct {
	URL string
	Key string
}

// Slot is a time-limited upload grant from the storage collaborator.
type Slot struct {
	WriteURL string `json:"write_url"`
	ReadURL  string `json:"read_url"`
	Key      string `json:"key"`
}

// ProgressFunc receives fractional upload progress in the 0-100 range.
type ProgressFunc func(percent float64)

// Uploader transfers media bytes into remote storage via upload slots.
type Uploader struct {
	baseURL string
	client  *http.Client
}

func NewUploader(baseURL string) *Uploader {
	return &Uploader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

type slotRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// RequestSlot asks the storage collaborator for a time-limited write URL.
// The object key is namespaced with a uuid so concurrent uploads of the
// same filename never collide.
func (u *Uploader) RequestSlot(ctx context.Context, filename, contentType string) (*Slot, error) {
	key := uuid.NewString() + path.Ext(filename)
	body, err := json.Marshal(slotRequest{Filename: key, ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("marshal slot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/upload-slot", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build slot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, wrapTransfer(ctx, fmt.Errorf("request upload slot: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upload slot request failed (status=%d): %s", resp.StatusCode, msg)
	}

	var slot Slot
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return nil, fmt.Errorf("decode slot response: %w", err)
	}
	return &slot, nil
}

// Upload transfers the asset bytes to the slot's write URL, reporting
// fractional progress on each chunk, and returns the durable reference.
// A cancelled context surfaces as the context's cancellation cause, which
// callers use to distinguish user aborts from transfer failures.
func (u *Uploader) Upload(ctx context.Context, slot *Slot, body io.Reader, size int64, contentType string, onProgress ProgressFunc) (*Reference, error) {
	reader := &progressReader{reader: body, total: size, onProgress: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.WriteURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, wrapTransfer(ctx, fmt.Errorf("upload transfer: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload failed (status=%d)", resp.StatusCode)
	}

	if onProgress != nil {
		onProgress(100)
	}

	slog.InfoContext(ctx, "upload completed",
		"key", slot.Key,
		"bytes", size,
		"duration_ms", time.Since(start).Milliseconds())

	return &Reference{URL: slot.ReadURL, Key: slot.Key}, nil
}

// wrapTransfer maps context cancellation onto its cause so cancellation is
// distinguishable from an ordinary transfer failure.
func wrapTransfer(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	}
	return err
}

type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	lastPct    float64
	onProgress ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 && r.onProgress != nil && r.total > 0 {
		r.read += int64(n)
		pct := float64(r.read) / float64(r.total) * 100
		if pct > 100 {
			pct = 100
		}
		// Report at meaningful increments only, not per 32KB chunk.
		if pct-r.lastPct >= 1 || pct >= 100 {
			r.lastPct = pct
			r.onProgress(pct)
		}
	}
	return n, err
}
