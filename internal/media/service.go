package media

import (
	"context"
	"io"
	"log/slog"

	"courtside.app/coach/common/logger"
)

// Service bundles slot acquisition, upload, and best-effort conversion into
// the single operation the pipeline needs.
type Service struct {
	uploader  *Uploader
	converter *Converter
}

// NewService wires an uploader with an optional converter. A nil converter
// disables conversion entirely.
func NewService(uploader *Uploader, converter *Converter) *Service {
	return &Service{uploader: uploader, converter: converter}
}

// Store uploads the asset and, when requested, swaps the reference for a
// converted one. Conversion failure falls back silently to the original
// upload: it is an optimization, not a correctness requirement.
func (s *Service) Store(ctx context.Context, name, contentType string, body io.Reader, size int64, needsConversion bool, onProgress ProgressFunc) (*Reference, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "coach.media"})

	slot, err := s.uploader.RequestSlot(ctx, name, contentType)
	if err != nil {
		return nil, err
	}

	ref, err := s.uploader.Upload(ctx, slot, body, size, contentType, onProgress)
	if err != nil {
		return nil, err
	}

	if needsConversion && s.converter != nil {
		converted, convErr := s.converter.Convert(ctx, ref.Key)
		switch {
		case convErr != nil:
			slog.WarnContext(ctx, "conversion failed, keeping original", "key", ref.Key, "error", convErr)
		case converted != nil:
			ref = converted
		}
	}

	return ref, nil
}
