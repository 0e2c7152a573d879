// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/signalhub/engine/internal/models"
	"github.com/signalhub/engine/pkg/database"
	"github.com/signalhub/engine/pkg/logger"
)

var loggerOnce sync.Once

// InitLogger installs a no-op global logger once per test binary.
func InitLogger() {
	loggerOnce.Do(func() { logger.Replace(zap.NewNop()) })
}

// NewDB returns a migrated in-memory sqlite database private to t.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	InitLogger()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := database.Open(context.Background(), database.Options{Driver: database.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// CreateProject inserts a project with the counter at 0.
func CreateProject(t testing.TB, db *gorm.DB) *models.Project {
	t.Helper()
	p := &models.Project{OwnerID: uuid.New(), Name: "project-" + uuid.NewString()[:8]}
	require.NoError(t, db.Create(p).Error)
	return p
}
