package httpsink

import (
	"context"
	"fmt"

	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/sink"
)

// Build registers every configured sink. Sinks with storage "s3" keep their
// artifacts in the configured bucket, all others below ArtifactDir.
func Build(ctx context.Context, cfg config.Config, records Records) (*sink.Registry, error) {
	registry := sink.NewRegistry()
	var local *LocalStorage
	var bucket *S3Storage

	for _, sc := range cfg.Sinks {
		if sc.ID == "" || sc.BaseURL == "" {
			return nil, fmt.Errorf("sink %q: id and base_url are required", sc.ID)
		}
		status, err := sink.ParseStatus(sc.Status)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.ID, err)
		}

		var storage Storage
		switch sc.Storage {
		case "s3":
			if bucket == nil {
				bucket, err = NewS3Storage(ctx, S3Config{
					Bucket:    cfg.S3Bucket,
					Region:    cfg.S3Region,
					Endpoint:  cfg.S3Endpoint,
					AccessKey: cfg.S3AccessKey,
					SecretKey: cfg.S3SecretKey,
					PathStyle: cfg.S3PathStyle,
				})
				if err != nil {
					return nil, fmt.Errorf("sink %s: %w", sc.ID, err)
				}
			}
			storage = bucket
		case "", "local":
			if local == nil {
				if local, err = NewLocalStorage(cfg.ArtifactDir); err != nil {
					return nil, err
				}
			}
			storage = local
		default:
			return nil, fmt.Errorf("sink %s: unknown storage %q", sc.ID, sc.Storage)
		}

		title := sc.Title
		if title == "" {
			title = sc.ID
		}
		schedule := sc.Cron
		if schedule == config.ImportCronOff {
			schedule = ""
		}
		source := NewSource(sc.BaseURL, cfg.SourceTimeout, cfg.SourceMaxBytes)
		registry.Register(
			sink.Info{ID: sc.ID, Title: title, Status: status, SingleState: sc.SingleState, ImportSchedule: schedule},
			NewAdapter(sc.ID, source, storage, records),
		)
	}
	return registry, nil
}
