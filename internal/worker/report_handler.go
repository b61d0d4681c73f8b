package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/retry"
	"order-pipeline/internal/store"
)

type reportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ReportHandler produces the analytics throughput report: terminal outcome
// counts over a rolling window plus the current backlog per queue, written as
// JSON to local disk or S3.
type ReportHandler struct {
	cfg    config.Config
	store  store.Store
	depths func(ctx context.Context) (map[string]int64, error)
	local  reportUploader
	s3     reportUploader
}

type reportPayload struct {
	WindowMinutes int    `json:"window_minutes"`
	OutputKey     string `json:"output_key"`
	Destination   string `json:"destination"`
}

// NewReportHandler constructs the handler and chooses uploaders from config.
func NewReportHandler(ctx context.Context, cfg config.Config, st store.Store, depths func(ctx context.Context) (map[string]int64, error)) (*ReportHandler, error) {
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./reports"
	}

	var s3Upload reportUploader
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
	}

	return &ReportHandler{
		cfg:    cfg,
		store:  st,
		depths: depths,
		local:  &localUploader{baseDir: baseDir},
		s3:     s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
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
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// Handle builds and uploads one report.
func (h *ReportHandler) Handle(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload := reportPayload{WindowMinutes: int(h.cfg.MonitorWindow.Minutes())}
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, retry.Permanent(fmt.Errorf("malformed payload: %w", err))
		}
	}
	if payload.WindowMinutes <= 0 {
		payload.WindowMinutes = int(h.cfg.MonitorWindow.Minutes())
	}

	now := time.Now().UTC()
	window := time.Duration(payload.WindowMinutes) * time.Minute
	outcomes, err := h.store.OutcomeCounts(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("outcome counts: %w", err)
	}

	backlog := map[string]int64{}
	if h.depths != nil {
		if d, err := h.depths(ctx); err == nil {
			backlog = d
		}
	}

	report := map[string]any{
		"generated_at":   now.Format(time.RFC3339),
		"window_minutes": payload.WindowMinutes,
		"succeeded":      outcomes.Succeeded,
		"failed":         outcomes.Failed,
		"abandoned":      outcomes.Abandoned,
		"backlog":        backlog,
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("throughput-%s.json", now.Format("20060102T150405"))
	}
	key = sanitizeKey(key)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	location, err := uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}
	return json.Marshal(map[string]any{"location": location})
}

func (h *ReportHandler) pickUploader(destination string) (reportUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but REPORT_S3_BUCKET is not configured")
	case "local", "":
	default:
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
	if destination == "" && h.s3 != nil {
		return h.s3, nil
	}
	return h.local, nil
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
