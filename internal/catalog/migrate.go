package catalog

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var migrationName = regexp.MustCompile(`^(\d+)_.+\.sql$`)

// SchemaVersion is a row of the schema_versions bookkeeping table.
type SchemaVersion struct {
	Version   int       `db:"version"`
	Filename  string    `db:"filename"`
	Checksum  string    `db:"checksum"`
	AppliedAt time.Time `db:"applied_at"`
}

type migration struct {
	version  int
	filename string
	checksum string
	body     string
}

// Migrate applies pending schema migrations in ascending version order.
// Before applying anything it re-checksums every migration already recorded
// in schema_versions and aborts on any drift: a modified historical
// migration means the on-disk schema can no longer be trusted to match the
// files.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version    INTEGER PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_versions: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	var applied []SchemaVersion
	if err = s.SelectContext(ctx, &applied,
		`SELECT version, filename, checksum, applied_at FROM schema_versions ORDER BY version`); err != nil {
		return fmt.Errorf("reading schema_versions: %w", err)
	}

	var byVersion = make(map[int]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.version] = m
	}

	for _, row := range applied {
		m, ok := byVersion[row.Version]
		if !ok {
			return fmt.Errorf("applied migration %d (%s) is missing from the embedded set",
				row.Version, row.Filename)
		}
		if m.checksum != row.Checksum {
			return fmt.Errorf("migration %d (%s) checksum mismatch: recorded %s, file is %s",
				row.Version, row.Filename, row.Checksum, m.checksum)
		}
	}

	var lastApplied int
	if len(applied) != 0 {
		lastApplied = applied[len(applied)-1].Version
	}

	for _, m := range migrations {
		if m.version <= lastApplied {
			continue
		}
		if err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, m.body); err != nil {
				return fmt.Errorf("applying migration %s: %w", m.filename, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_versions (version, filename, checksum) VALUES (?, ?, ?)`,
				m.version, m.filename, m.checksum); err != nil {
				return fmt.Errorf("recording migration %s: %w", m.filename, err)
			}
			return nil
		}); err != nil {
			return err
		}

		log.WithFields(log.Fields{
			"version":  m.version,
			"filename": m.filename,
		}).Info("applied catalog migration")
	}
	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		var match = migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("migration %q does not match NNN_name.sql", entry.Name())
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("parsing version of %q: %w", entry.Name(), err)
		}
		body, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %q: %w", entry.Name(), err)
		}
		var sum = sha256.Sum256(body)
		out = append(out, migration{
			version:  version,
			filename: entry.Name(),
			checksum: hex.EncodeToString(sum[:]),
			body:     string(body),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })

	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %d (%s and %s)",
				out[i].version, out[i-1].filename, out[i].filename)
		}
	}
	return out, nil
}
