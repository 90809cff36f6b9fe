package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

func newTestManager() *Manager {
	return NewManager(nil, logger.New("archive-test", "test"), telemetry.New())
}

func TestArchiveDisabledPolicy(t *testing.T) {
	m := newTestManager()

	res := m.Archive(context.Background(), "Order", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "archival disabled", res.Message)

	res = m.Archive(context.Background(), "Order", &schema.ArchivalPolicy{Enabled: false})
	assert.True(t, res.Success)
	assert.Zero(t, res.ArchivedCount)
	assert.Zero(t, res.DeletedCount)
}

func TestArchiveUnimplementedDestination(t *testing.T) {
	m := newTestManager()

	for _, dest := range []schema.ArchiveDestination{schema.ArchiveColdStorage, schema.ArchiveObjectStore} {
		res := m.Archive(context.Background(), "Order", &schema.ArchivalPolicy{
			Enabled:          true,
			ArchiveAfterDays: 90,
			Destination:      dest,
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "not implemented")
		assert.Zero(t, res.ArchivedCount)
		assert.Zero(t, res.DeletedCount)
	}
}

func TestArchiveCutoffUsesPolicyDays(t *testing.T) {
	m := newTestManager()

	before := time.Now().UTC().AddDate(0, 0, -90)
	res := m.Archive(context.Background(), "Order", &schema.ArchivalPolicy{
		Enabled:          true,
		ArchiveAfterDays: 90,
		Destination:      schema.ArchiveColdStorage,
	})
	after := time.Now().UTC().AddDate(0, 0, -90)

	assert.False(t, res.Cutoff.Before(before))
	assert.False(t, res.Cutoff.After(after))
}

func bulkErr(codes ...int) mongo.BulkWriteException {
	exc := mongo.BulkWriteException{}
	for i, code := range codes {
		exc.WriteErrors = append(exc.WriteErrors, mongo.BulkWriteError{
			WriteError: mongo.WriteError{Index: i, Code: code},
		})
	}
	return exc
}

func TestOnlyDuplicateKeyErrors(t *testing.T) {
	// an unordered copy pass may legitimately collide with documents an
	// earlier interrupted pass already archived, but nothing else may be
	// waved through before the originals are deleted
	tests := []struct {
		name   string
		err    error
		benign bool
	}{
		{"all duplicates", bulkErr(11000), true},
		{"multiple duplicates", bulkErr(11000, 11001, 12582), true},
		{"duplicate mixed with real failure", bulkErr(11000, 121), false},
		{"document validation failure", bulkErr(121), false},
		{"wrapped bulk error", fmt.Errorf("insert: %w", bulkErr(11000)), true},
		{"write concern failure", mongo.BulkWriteException{
			WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"},
			WriteErrors:       bulkErr(11000).WriteErrors,
		}, false},
		{"no write errors", mongo.BulkWriteException{}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.benign, onlyDuplicateKeyErrors(tt.err))
		})
	}
}
