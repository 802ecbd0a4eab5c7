package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"mediapulse/internal/models"
)

// previewPayload is the expected payload for kind "preview": a keyframe
// already extracted to local disk, to be scaled into a hover preview.
type previewPayload struct {
	KeyframePath string `json:"keyframe_path"`
	OutputPath   string `json:"output_path"`
	Width        int    `json:"width"`
}

// PreviewHandler scales extracted keyframes into preview thumbnails. Writing
// to a fixed output path makes replays harmless.
type PreviewHandler struct {
	defaultWidth int
}

func NewPreviewHandler() *PreviewHandler {
	return &PreviewHandler{defaultWidth: 300}
}

// Handle processes a single preview job.
func (h *PreviewHandler) Handle(ctx context.Context, job models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := decodePreviewPayload(job, h.defaultWidth)
	if err != nil {
		return err
	}

	in, err := os.Open(payload.KeyframePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("keyframe missing: %w", err)
		}
		return fmt.Errorf("open keyframe: %w", err)
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("decode keyframe: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return errors.New("invalid keyframe dimensions")
	}

	width := payload.Width
	height := int(float64(src.Bounds().Dy()) * float64(width) / float64(src.Bounds().Dx()))
	if height == 0 {
		height = width
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(payload.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(payload.OutputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	switch strings.ToLower(filepath.Ext(payload.OutputPath)) {
	case ".png":
		return png.Encode(out, dst)
	default:
		return jpeg.Encode(out, dst, &jpeg.Options{Quality: 85})
	}
}

func decodePreviewPayload(job models.Job, defaultWidth int) (previewPayload, error) {
	var payload previewPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.KeyframePath == "" {
		return payload, errors.New("keyframe_path is required")
	}
	if payload.OutputPath == "" {
		file := filepath.Base(payload.KeyframePath)
		payload.OutputPath = filepath.Join(filepath.Dir(payload.KeyframePath), "preview_"+file)
	}
	if payload.Width <= 0 {
		payload.Width = defaultWidth
	}
	return payload, nil
}
