package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BackupDestination receives a full JSON export of the event log.
type BackupDestination interface {
	Write(ctx context.Context, data []byte) error
}

// S3Destination writes the export to one object in an S3-compatible bucket.
type S3Destination struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Destination creates an S3 destination. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Destination{
		client: s3.NewFromConfig(cfg, s3opts...),
		bucket: bucket,
		key:    key,
	}, nil
}

func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// BackupScheduler periodically exports the event log to a destination. An
// export is skipped when no event was appended since the last successful one.
type BackupScheduler struct {
	store    *EventStore
	dest     BackupDestination
	interval time.Duration
	logger   *slog.Logger

	uploaded int // log length at the last successful upload, -1 before any

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBackupScheduler(store *EventStore, dest BackupDestination, interval time.Duration, logger *slog.Logger) *BackupScheduler {
	return &BackupScheduler{
		store:    store,
		dest:     dest,
		interval: interval,
		logger:   logger,
		uploaded: -1,
	}
}

// Start runs one backup immediately, then one per interval.
func (b *BackupScheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for an in-progress upload.
func (b *BackupScheduler) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *BackupScheduler) run(ctx context.Context) {
	b.backupOnce(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.backupOnce(ctx)
		}
	}
}

func (b *BackupScheduler) backupOnce(ctx context.Context) {
	events := b.store.All()
	if len(events) == b.uploaded {
		return
	}

	data, err := encodeSnapshot(events)
	if err != nil {
		b.logger.Error("backup export failed", "error", err)
		backupUploadsTotal.WithLabelValues("error").Inc()
		return
	}

	if err := b.dest.Write(ctx, data); err != nil {
		b.logger.Error("backup upload failed", "events", len(events), "error", err)
		backupUploadsTotal.WithLabelValues("error").Inc()
		return
	}

	b.uploaded = len(events)
	backupUploadsTotal.WithLabelValues("ok").Inc()
	b.logger.Info("backup uploaded", "events", len(events), "bytes", len(data))
}
