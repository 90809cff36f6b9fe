// Package archive moves or deletes aged projected documents per the
// declarative retention policy of each aggregate type.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redbco/readbridge/internal/projection"
	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// Result captures the outcome of one archival pass. Failures land in
// Success/Message rather than being returned as errors; the caller decides
// how to surface them.
type Result struct {
	Success       bool
	Message       string
	ArchivedCount int64
	DeletedCount  int64
	Cutoff        time.Time
}

// Manager executes archival passes. Passes for the same aggregate type must
// not run concurrently; the scheduler serializes per collection.
type Manager struct {
	db      *mongo.Database
	logger  *logger.Logger
	metrics *telemetry.Metrics
}

func NewManager(db *mongo.Database, log *logger.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{db: db, logger: log, metrics: metrics}
}

// Archive runs one pass for an aggregate type under the given policy.
func (m *Manager) Archive(ctx context.Context, aggregateType string, policy *schema.ArchivalPolicy) Result {
	if policy == nil || !policy.Enabled {
		return Result{Success: true, Message: "archival disabled"}
	}

	ageField := policy.AgeField
	if ageField == "" {
		ageField = "projectedAt"
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -policy.ArchiveAfterDays)

	switch policy.Destination {
	case schema.ArchiveSeparateCollection, "":
		return m.archiveToCollection(ctx, aggregateType, policy, ageField, cutoff)
	default:
		// external storage destinations are declared but not wired; report
		// the limitation without touching any data
		return Result{
			Success: false,
			Message: fmt.Sprintf("archive destination %q not implemented", policy.Destination),
			Cutoff:  cutoff,
		}
	}
}

func (m *Manager) archiveToCollection(ctx context.Context, aggregateType string, policy *schema.ArchivalPolicy, ageField string, cutoff time.Time) Result {
	source := m.db.Collection(projection.CollectionFor(aggregateType))
	targetName := policy.TargetCollection
	if targetName == "" {
		targetName = projection.CollectionFor(aggregateType) + "_archive"
	}
	target := m.db.Collection(targetName)

	filter := bson.M{ageField: bson.M{"$lt": cutoff}}
	cursor, err := source.Find(ctx, filter)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to query archivable documents: %v", err), Cutoff: cutoff}
	}

	var docs []interface{}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to read archivable documents: %v", err), Cutoff: cutoff}
	}
	for _, d := range raw {
		docs = append(docs, d)
	}

	if len(docs) == 0 {
		return Result{Success: true, Message: "nothing to archive", Cutoff: cutoff}
	}

	res := Result{Cutoff: cutoff}
	// unordered, so a duplicate from an earlier interrupted pass does not
	// stop the remaining documents from being copied
	inserted, err := target.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		// duplicate keys mean a previous pass already copied those documents;
		// any other failure aborts before the delete so no document is lost
		if !onlyDuplicateKeyErrors(err) {
			return Result{Success: false, Message: fmt.Sprintf("failed to copy documents to %s: %v", targetName, err), Cutoff: cutoff}
		}
	}
	if inserted != nil {
		res.ArchivedCount = int64(len(inserted.InsertedIDs))
	}
	m.metrics.DocumentsArchived.Add(float64(res.ArchivedCount))

	if policy.DeleteAfterArchive {
		deleted, err := source.DeleteMany(ctx, filter)
		if err != nil {
			return Result{
				Success:       false,
				Message:       fmt.Sprintf("archived %d documents but failed to delete originals: %v", res.ArchivedCount, err),
				ArchivedCount: res.ArchivedCount,
				Cutoff:        cutoff,
			}
		}
		res.DeletedCount = deleted.DeletedCount
		m.metrics.DocumentsExpired.Add(float64(res.DeletedCount))
	}

	res.Success = true
	res.Message = fmt.Sprintf("archived %d, deleted %d", res.ArchivedCount, res.DeletedCount)
	m.logger.Infof("archival pass for %s: %s (cutoff %s)", aggregateType, res.Message, cutoff.Format(time.RFC3339))
	return res
}

// onlyDuplicateKeyErrors reports whether every failure inside an unordered
// bulk insert was a duplicate-key conflict. A mixed batch, a write concern
// failure, or any non-bulk error counts as a real failure.
func onlyDuplicateKeyErrors(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) {
		return false
	}
	if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if !isDuplicateKeyCode(we.Code) {
			return false
		}
	}
	return true
}

func isDuplicateKeyCode(code int) bool {
	switch code {
	case 11000, 11001, 12582:
		return true
	}
	return false
}
