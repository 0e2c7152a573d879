package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/gorm"

	"github.com/signalhub/engine/internal/models"
)

// registeredModels returns all models that need migration.
func registeredModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.Component{},
		&models.DeploymentBucket{},
		&models.DeploymentItem{},
		&models.Deployment{},
	}
}

// Migrate creates or updates the schema. It is safe to run repeatedly.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(registeredModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	custom := []func(*gorm.DB) error{
		addSingleActiveBucketIndex,
		addDeployedComponentIndex,
	}
	for _, m := range custom {
		if err := m(db); err != nil {
			return err
		}
	}
	return nil
}

// addSingleActiveBucketIndex backs the one-active-bucket-per-user invariant.
// Both postgres and sqlite accept partial indexes.
func addSingleActiveBucketIndex(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_buckets_one_active
		ON deployment_buckets(project_id, user_id)
		WHERE status = 'active'
	`).Error; err != nil {
		return fmt.Errorf("create idx_buckets_one_active: %w", err)
	}
	return nil
}

func addDeployedComponentIndex(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_items_component_status
		ON deployment_items(component_id, status)
	`).Error; err != nil {
		return fmt.Errorf("create idx_items_component_status: %w", err)
	}
	return nil
}

// RunSQLMigrations applies versioned SQL files from dir on top of the
// AutoMigrate schema. Only postgres is supported.
func RunSQLMigrations(db *gorm.DB, dir string) error {
	if db.Dialector.Name() != DriverPostgres {
		return fmt.Errorf("sql migrations require postgres, got %s", db.Dialector.Name())
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, DriverPostgres, driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
