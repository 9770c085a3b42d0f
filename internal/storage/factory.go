package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/OCAP2/markerpose/internal/config"
	"github.com/OCAP2/markerpose/internal/database"
	"github.com/OCAP2/markerpose/internal/storage/gormstore"
	"github.com/OCAP2/markerpose/internal/storage/memory"
	sqlitestorage "github.com/OCAP2/markerpose/internal/storage/sqlite"
)

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, db config.DBConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return gormstore.New(gormstore.Dependencies{
			Manager: database.NewManager(db, log),
			Logger:  log,
		}), nil
	case "sqlite":
		return sqlitestorage.New(sqlitestorage.Config{
			DumpInterval: cfg.SQLite.DumpInterval,
			DumpPath:     cfg.SQLite.Path,
		}, log)
	case "memory":
		return memory.New(cfg.Memory, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
