package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"mediapulse/internal/config"
	"mediapulse/internal/models"
)

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// RenditionHandler produces poster renditions for a title: it fetches the
// source artwork and writes one scaled copy per configured width. Output keys
// are a pure function of title and width, so replaying the job overwrites the
// same objects and the handler is safe under at-least-once delivery.
type RenditionHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      artifactUploader
	s3         artifactUploader
}

type renditionPayload struct {
	TitleID      string `json:"title_id"`
	SourceURL    string `json:"source_url"`
	OutputPrefix string `json:"output_prefix"`
	Widths       []int  `json:"widths"`
	Destination  string `json:"destination"`
}

// NewRenditionHandler constructs the handler and its uploaders. S3 is used
// when a bucket is configured; the local directory is always available as a
// fallback for development.
func NewRenditionHandler(ctx context.Context, cfg config.Config) (*RenditionHandler, error) {
	timeout := cfg.PosterFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.PosterOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload artifactUploader
	if cfg.PosterS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.PosterS3Bucket}
	}

	return &RenditionHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PosterS3Region),
	}
	if cfg.PosterS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PosterS3Endpoint,
					HostnameImmutable: cfg.PosterS3PathStyle,
					SigningRegion:     cfg.PosterS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PosterS3PathStyle
	}), nil
}

// Handle fetches the source artwork and writes every rendition.
func (h *RenditionHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := h.decodePayload(job)
	if err != nil {
		return err
	}

	data, contentType, err := h.fetch(ctx, payload.SourceURL)
	if err != nil {
		return err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode artwork: %w", err)
	}

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return err
	}

	for _, width := range payload.Widths {
		if width <= 0 {
			continue
		}
		scaled := imaging.Resize(src, width, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		format := imaging.JPEG
		mime := "image/jpeg"
		if strings.Contains(strings.ToLower(contentType), "png") {
			format = imaging.PNG
			mime = "image/png"
		}
		if err := imaging.Encode(buf, scaled, format, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("encode rendition w=%d: %w", width, err)
		}
		key := renditionKey(payload.OutputPrefix, payload.TitleID, width, format)
		if _, err := uploader.Upload(ctx, key, buf.Bytes(), mime); err != nil {
			return fmt.Errorf("upload rendition w=%d: %w", width, err)
		}
	}
	return nil
}

// renditionKey is deterministic per (title, width): rerun output lands on the
// same key.
func renditionKey(prefix, titleID string, width int, format imaging.Format) string {
	ext := "jpg"
	if format == imaging.PNG {
		ext = "png"
	}
	key := fmt.Sprintf("%s/w%d.%s", titleID, width, ext)
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return sanitizeKey(key)
}

func (h *RenditionHandler) decodePayload(job models.Job) (renditionPayload, error) {
	var payload renditionPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.TitleID == "" {
		return payload, errors.New("title_id is required")
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if len(payload.Widths) == 0 {
		payload.Widths = h.cfg.PosterWidths
	}
	if len(payload.Widths) == 0 {
		payload.Widths = []int{320}
	}
	if payload.Destination == "" {
		if h.cfg.PosterS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *RenditionHandler) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("fetch artwork: status %d", resp.StatusCode)
	}

	limit := h.cfg.PosterMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artwork: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artwork too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *RenditionHandler) pickUploader(destination string) (artifactUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but POSTER_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
