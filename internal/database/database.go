package database

import (
	"errors"
	"fmt"

	"github.com/lildude/racesync/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetTestDB sets the test database instance for unit tests
var testDB *gorm.DB

func SetTestDB(db *gorm.DB) {
	testDB = db
}

// InitDB connects to Postgres and migrates the schema.
func InitDB(dsn string) (*gorm.DB, error) {
	if testDB != nil {
		return testDB, nil
	}
	if dsn == "" {
		return nil, errors.New("database URL is not set")
	}
	return Open(postgres.Open(dsn))
}

// Open connects with the given dialector and migrates the schema. Driver
// unique-constraint errors are translated to gorm.ErrDuplicatedKey.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return db, nil
}
