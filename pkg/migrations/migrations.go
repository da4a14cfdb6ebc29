package migrations

import (
	"embed"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedMigrations embed.FS

// MigrateStore applies the embedded schema migrations to the given database.
func MigrateStore(db *gorm.DB, dbType string) error {
	goose.SetLogger(&logger{})
	goose.SetBaseFS(embedMigrations)

	dialect := "sqlite3"
	if dbType == "pgsql" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return goose.Up(sqlDB, "sql")
}

/*
logger implements goose.Logger interface

	type Logger interface {
		Fatalf(format string, v ...interface{})
		Printf(format string, v ...interface{})
	}
*/
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Fatalf(format, v...) }
