package database

import (
	"fmt"

	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/standin"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&roster.Room{},
		&roster.Row{},
		&session.Session{},
		&session.RoomSlot{},
		&session.Collaborator{},
		&session.Participant{},
		&session.TurnEvent{},
		&timeline.Event{},
		&standin.Hero{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
