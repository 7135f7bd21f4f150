package testhelpers

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed fixtures/*.sql
var fixtureFS embed.FS

// LoadFixtures applies the embedded fixture migrations to the database at
// connStr. Already applied fixtures are skipped.
func LoadFixtures(connStr string, logger *zap.Logger) error {
	src, err := iofs.New(fixtureFS, "fixtures")
	if err != nil {
		return fmt.Errorf("failed to open fixture source: %w", err)
	}

	dbURL := "pgx5://" + strings.TrimPrefix(strings.TrimPrefix(connStr, "postgresql://"), "postgres://")
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("failed to create fixture migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close fixture source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close fixture database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Fixtures already loaded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load fixtures: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Loaded fixtures", zap.Uint("version", version))
	return nil
}
