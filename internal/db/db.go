package db

import (
	"compress/gzip"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/locomotion-timeline/internal/httputil"
)

// DB wraps a *sql.DB with the timeline domain's schema lifecycle and
// Store-contract methods (see store.go).
type DB struct {
	*sql.DB
}

// schema.sql contains the full current schema for the timeline_items,
// locomotion_samples, and tuning_overrides tables. It is embedded
// directly into the binary and executed when a new database is
// created, ensuring consistent schema across all deployments.
//
// schema.sql MUST be kept in sync with the latest migration version.
// When creating a fresh database, we verify that schema.sql matches the
// schema produced by applying all migrations. If they differ, database
// initialization fails with a clear error message rather than silently
// creating a database with an incomplete schema.
// To regenerate schema.sql from migrations, export the schema from a
// migrated database: sqlite3 migrated.db .schema > internal/db/schema.sql

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode controls whether to use filesystem or embedded migrations.
// Set to true in development for hot-reloading, false in production.
var DevMode = false

func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/db/migrations"), nil
	}
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub-filesystem for embedded migrations directory %q: %w", "migrations", err)
	}
	return subFS, nil
}

// applyPragmas applies essential SQLite PRAGMAs for performance and
// concurrency, regardless of whether the database was just created or
// opened from an existing file.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// NewDB opens path, running schema initialization and a migration-
// pending check.
func NewDB(path string) (*DB, error) {
	return NewDBWithMigrationCheck(path, true)
}

// NewDBWithMigrationCheck opens a database and optionally checks for
// pending migrations. If checkMigrations is true and migrations are
// pending, returns an error prompting the caller to run migrations.
func NewDBWithMigrationCheck(path string, checkMigrations bool) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	dbWrapper := &DB{db}

	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}

	var schemaMigrationsExists bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&schemaMigrationsExists)
	if err != nil {
		return nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	if schemaMigrationsExists {
		if checkMigrations {
			shouldExit, err := dbWrapper.CheckAndPromptMigrations(migrationsFS)
			if shouldExit {
				return nil, err
			}
		}
		return dbWrapper, nil
	}

	var tableCount int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
	`).Scan(&tableCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}

	isLegacyDB := tableCount > 0

	if isLegacyDB && checkMigrations {
		log.Printf("database exists but has no schema_migrations table")
		log.Printf("attempting to detect schema version...")

		detectedVersion, matchScore, differences, err := dbWrapper.DetectSchemaVersion(migrationsFS)
		if err != nil {
			return nil, fmt.Errorf("failed to detect schema version: %w", err)
		}

		log.Printf("best match: version %d (score: %d%%)", detectedVersion, matchScore)

		if matchScore == 100 {
			if err := dbWrapper.BaselineAtVersion(detectedVersion); err != nil {
				return nil, fmt.Errorf("failed to baseline at version %d: %w", detectedVersion, err)
			}

			latestVersion, err := GetLatestMigrationVersion(migrationsFS)
			if err != nil {
				return nil, fmt.Errorf("failed to get latest version: %w", err)
			}

			if detectedVersion < latestVersion {
				return nil, fmt.Errorf("database baselined at version %d, but migrations to version %d are available. Please run migrations", detectedVersion, latestVersion)
			}

			log.Printf("database is up to date")
			return dbWrapper, nil
		}

		log.Printf("no perfect match found (best: %d%%)", matchScore)
		for _, diff := range differences {
			log.Printf("  %s", diff)
		}
		return nil, fmt.Errorf("schema does not match any known version (best match: v%d at %d%%). Manual intervention required", detectedVersion, matchScore)
	}

	// Fresh database: initialize with schema.sql and baseline at the
	// latest migration version.
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	log.Println("ran database initialisation script")

	latestVersion, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest migration version: %w", err)
	}

	schemaFromSQL, err := dbWrapper.GetDatabaseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema from schema.sql: %w", err)
	}
	schemaFromMigrations, err := dbWrapper.GetSchemaAtMigration(migrationsFS, latestVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema at migration v%d: %w", latestVersion, err)
	}

	score, differences := CompareSchemas(schemaFromSQL, schemaFromMigrations)
	if score != 100 {
		log.Printf("schema.sql is out of sync with migrations (similarity: %d%%)", score)
		for _, diff := range differences {
			log.Printf("  %s", diff)
		}
		return nil, fmt.Errorf("schema.sql is out of sync with migration v%d (similarity: %d%%). Cannot baseline safely", latestVersion, score)
	}

	if err := dbWrapper.BaselineAtVersion(latestVersion); err != nil {
		return nil, fmt.Errorf("failed to baseline fresh database at version %d: %w", latestVersion, err)
	}

	currentVersion, _, err := dbWrapper.MigrateVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to verify baseline: %w", err)
	}
	if currentVersion != latestVersion {
		return nil, fmt.Errorf("baseline verification failed: expected version %d, got %d", latestVersion, currentVersion)
	}

	return dbWrapper, nil
}

// OpenDB opens a database connection without running schema
// initialization, for migration commands that manage schema
// independently. PRAGMAs are still applied.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}
	return &DB{db}, nil
}

// TableStats contains size and row count information for one table.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats contains overall database statistics.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats returns size and row count information for all
// tables, using SQLite's dbstat virtual table for accurate sizing.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	var totalPages, pageSize int64
	row := db.QueryRow("SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&totalPages, &pageSize); err != nil {
		if err := db.QueryRow("PRAGMA page_count").Scan(&totalPages); err != nil {
			return nil, fmt.Errorf("failed to get page count: %w", err)
		}
		if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
			return nil, fmt.Errorf("failed to get page size: %w", err)
		}
	}
	totalSizeMB := float64(totalPages*pageSize) / (1024 * 1024)

	tablesQuery := `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	rows, err := db.Query(tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}

	var tables []TableStats
	for _, tableName := range tableNames {
		var rowCount int64
		// tableName comes from sqlite_master (trusted metadata); %q
		// applies SQLite identifier quoting, not value escaping, so this
		// isn't user input reaching the query.
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)
		if err := db.QueryRow(countQuery).Scan(&rowCount); err != nil {
			rowCount = 0
		}

		var sizeMB float64
		sizeQuery := `SELECT COALESCE(SUM(pgsize), 0) / 1048576.0 FROM dbstat WHERE name = ?`
		if err := db.QueryRow(sizeQuery, tableName).Scan(&sizeMB); err != nil {
			sizeMB = 0
		}

		tables = append(tables, TableStats{
			Name:     tableName,
			RowCount: rowCount,
			SizeMB:   math.Round(sizeMB*100) / 100,
		})
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].SizeMB > tables[j].SizeMB })

	return &DatabaseStats{
		TotalSizeMB: math.Round(totalSizeMB*100) / 100,
		Tables:      tables,
	}, nil
}

// StepHzStats summarises the step-cadence distribution across recorded
// samples for a source (or all sources if empty).
type StepHzStats struct {
	Source  string  `json:"source"`
	Count   int     `json:"count"`
	P50     float64 `json:"p50_step_hz"`
	P85     float64 `json:"p85_step_hz"`
	P98     float64 `json:"p98_step_hz"`
}

// GetStepHzStats computes step-cadence percentiles (p50/p85/p98) across
// every non-null step_hz value recorded for source. An empty source
// includes samples from every device.
func (db *DB) GetStepHzStats(source string) (*StepHzStats, error) {
	query := `SELECT s.step_hz FROM locomotion_samples s
		JOIN timeline_items t ON t.item_id = s.timeline_item_id
		WHERE s.step_hz IS NOT NULL`
	args := []any{}
	if source != "" {
		query += " AND t.source = ?"
		args = append(args, source)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query step_hz samples: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan step_hz: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &StepHzStats{Source: source, Count: len(values)}
	if len(values) == 0 {
		return result, nil
	}

	sort.Float64s(values)
	result.P50 = stat.Quantile(0.5, stat.Empirical, values, nil)
	result.P85 = stat.Quantile(0.85, stat.Empirical, values, nil)
	result.P98 = stat.Quantile(0.98, stat.Empirical, values, nil)
	return result, nil
}

// AttachAdminRoutes mounts a tailsql live SQL console and a few JSON/
// backup debug endpoints under the tsweb debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://timeline.db", db.DB, &tailsql.DBOptions{
		Label: "Timeline DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Database table sizes and disk usage (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetDatabaseStats()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get database stats: %v", err))
			return
		}
		httputil.WriteJSONOK(w, stats)
	}))

	debug.Handle("step-hz-stats", "Step-cadence percentiles (p50/p85/p98), optionally filtered by ?source=", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetStepHzStats(r.URL.Query().Get("source"))
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to get step_hz stats: %v", err))
			return
		}
		httputil.WriteJSONOK(w, stats)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
