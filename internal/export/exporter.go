// Package export uploads run snapshots to S3-compatible storage and rotates
// old ones.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/report"
)

// minSnapshotsToKeep survive rotation regardless of age
const minSnapshotsToKeep = 3

// ObjectStore is the subset of S3 the exporter needs. S3Client implements it.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, meta map[string]string) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// SnapshotInfo describes one stored snapshot
type SnapshotInfo struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	SizeBytes    int64     `json:"size_bytes"`
	AgeHours     int64     `json:"age_hours"`
}

// Exporter writes report snapshots to an object store
type Exporter struct {
	store  ObjectStore
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// NewExporter creates an exporter writing under prefix
func NewExporter(store ObjectStore, prefix string, log zerolog.Logger) *Exporter {
	return &Exporter{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("service", "export").Logger(),
		now:    time.Now,
	}
}

// Export uploads the full report, records included, and returns its key
func (e *Exporter) Export(ctx context.Context, rep *report.Report) (string, error) {
	data, err := rep.MarshalSnapshot()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	key := rep.SnapshotKey(e.prefix)
	meta := map[string]string{
		"run-id":  rep.RunID,
		"status":  string(rep.Status),
		"sha256":  hex.EncodeToString(sum[:]),
		"records": fmt.Sprintf("%d", len(rep.Records)),
	}

	if err := e.store.Upload(ctx, key, bytes.NewReader(data), meta); err != nil {
		return "", fmt.Errorf("failed to export run %s: %w", rep.RunID, err)
	}

	e.log.Info().
		Str("key", key).
		Int("size_bytes", len(data)).
		Str("status", string(rep.Status)).
		Msg("Report snapshot exported")
	return key, nil
}

// ListSnapshots returns stored snapshots, newest first
func (e *Exporter) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	prefix := ""
	if e.prefix != "" {
		prefix = e.prefix + "/"
	}
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	now := e.now()
	out := make([]SnapshotInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".msgpack") {
			continue
		}
		info := SnapshotInfo{Key: *obj.Key}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
			info.AgeHours = int64(now.Sub(info.LastModified).Hours())
		}
		if obj.Size != nil {
			info.SizeBytes = *obj.Size
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}

// Rotate deletes snapshots older than retentionDays, always keeping the
// newest few. retentionDays <= 0 keeps everything.
func (e *Exporter) Rotate(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	snapshots, err := e.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= minSnapshotsToKeep {
		e.log.Debug().Int("count", len(snapshots)).Msg("Too few snapshots to rotate")
		return 0, nil
	}

	cutoff := e.now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, s := range snapshots[minSnapshotsToKeep:] {
		if !s.LastModified.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, s.Key); err != nil {
			e.log.Error().Err(err).Str("key", s.Key).Msg("Failed to delete old snapshot")
			continue
		}
		deleted++
	}

	e.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(snapshots)-deleted).
		Msg("Snapshot rotation completed")
	return deleted, nil
}
