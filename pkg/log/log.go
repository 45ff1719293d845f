// Package log provides the gnb zerolog logger. Events go either to the
// console or, through a non-blocking diode, to an SQLite database holding one
// JSON document per row so they can be queried back by `gnb logs`.
package log

import (
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gnb-go/pkg/appdir"
	"gnb-go/pkg/slot"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	_ "modernc.org/sqlite"
)

const (
	diodeSize         = 4096
	diodePollInterval = 10 * time.Millisecond
)

var (
	writeSinceStart        atomic.Int64
	droppedEvents          atomic.Int64
	pkgLogger              = zerolog.Nop()
	dbWriterInstance       *sqliteWriter
	diodeWriter            *diode.Writer
	dbHandle               *sql.DB
	mu                     sync.RWMutex // guards dbHandle, diodeWriter and pkgLogger across Init/Close
	zerologTimeFieldFormat = time.RFC3339Nano

	ErrNotInitialized = errors.New("log: logger not initialized, call log.Init() first")
)

type sqliteWriter struct {
	db   *sql.DB
	stmt *sql.Stmt
	mu   sync.Mutex
}

func newSQLiteWriter(dbPath string) (*sqliteWriter, *sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode=wal&_pragma=busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite db %s: %w", dbPath, err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping sqlite db %s: %w", dbPath, err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			inserted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
			log_data TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_json_time ON logs (json_extract(log_data, '$.time'));`,
		`CREATE INDEX IF NOT EXISTS idx_logs_json_component ON logs (json_extract(log_data, '$.component'));`,
	}
	for i, q := range schema {
		if _, err := db.Exec(q); err != nil {
			if i == 0 {
				db.Close()
				return nil, nil, fmt.Errorf("failed to create logs table: %w", err)
			}
			stdlog.Printf("log: failed to create index: %v", err)
		}
	}

	stmt, err := db.Prepare(`INSERT INTO logs (log_data) VALUES (?)`)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	return &sqliteWriter{db: db, stmt: stmt}, db, nil
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stmt.Exec(string(p)); err != nil {
		stdlog.Printf("log: sqlite write failed: %v", err)
		return 0, err
	}
	writeSinceStart.Add(1)
	return len(p), nil
}

func (w *sqliteWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.stmt != nil {
		if err := w.stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing statement: %w", err))
		}
		w.stmt = nil
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing db: %w", err))
		}
		w.db = nil
	}
	return errors.Join(errs...)
}

// SetStd routes all events to a human readable console writer.
func SetStd() {
	mu.Lock()
	defer mu.Unlock()
	pkgLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum level.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Init opens (or creates) dbFile inside the application directory and makes
// it the sink of every logger handed out by this package. Writes go through
// a diode so callers on the slot path never wait on SQLite; events are
// dropped, and counted, when the diode is full.
func Init(dbFile string) error {
	if dbFile == "" {
		return errors.New("log: an explicit dbFile is required")
	}
	dbPath := dbFile
	if !filepath.IsAbs(dbFile) {
		dbPath = appdir.Path(dbFile)
	}

	mu.Lock()
	defer mu.Unlock()

	if dbWriterInstance != nil {
		return errors.New("log: logger already initialized")
	}

	writer, db, err := newSQLiteWriter(dbPath)
	if err != nil {
		return fmt.Errorf("failed to create SQLite writer: %w", err)
	}
	dw := diode.NewWriter(writer, diodeSize, diodePollInterval, func(missed int) {
		droppedEvents.Add(int64(missed))
	})

	dbWriterInstance = writer
	diodeWriter = &dw
	dbHandle = db

	zerolog.TimeFieldFormat = zerologTimeFieldFormat
	pkgLogger = zerolog.New(dw).With().Timestamp().Logger()

	stdlog.Printf("log: zerolog SQLite logger writing to %s", dbPath)
	return nil
}

// Close flushes the diode and closes the database.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if dbWriterInstance == nil {
		return nil
	}
	w := dbWriterInstance
	dw := diodeWriter
	dbHandle = nil
	dbWriterInstance = nil
	diodeWriter = nil
	pkgLogger = zerolog.Nop()

	if dw != nil {
		_ = dw.Close()
	}
	if err := w.close(); err != nil {
		return fmt.Errorf("error closing SQLite logger: %w", err)
	}
	return nil
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := pkgLogger
	return &l
}

func Debug() *zerolog.Event { return logger().Debug() }
func Info() *zerolog.Event  { return logger().Info() }
func Warn() *zerolog.Event  { return logger().Warn() }
func Error() *zerolog.Event { return logger().Error() }
func Fatal() *zerolog.Event { return logger().Fatal() }

// Printf sends an info event. Arguments are handled in the manner of fmt.Printf.
func Printf(format string, v ...any) {
	logger().Info().CallerSkipFrame(1).Msgf(format, v...)
}

func Fatalf(format string, v ...any) {
	logger().Fatal().Msgf(format, v...)
}

// Component returns a child logger tagged with the given component name
// (PHY, MAC, ...). The child keeps the sink active at call time.
func Component(name string) zerolog.Logger {
	return logger().With().Str("component", name).Logger()
}

// WithSlot returns l with the SFN and slot index of s attached.
func WithSlot(l zerolog.Logger, s slot.Point) zerolog.Logger {
	return l.With().Uint32("sfn", s.SFN()).Uint32("slot", s.Index()).Logger()
}

// Dropped returns the number of events the diode discarded.
func Dropped() int64 { return droppedEvents.Load() }

type LogEntry struct {
	ID         int64
	InsertedAt time.Time
	LogData    string // raw JSON
}

const DefaultLimit = 100

func getHandle() (*sql.DB, error) {
	mu.RLock()
	defer mu.RUnlock()
	if dbHandle == nil {
		return nil, ErrNotInitialized
	}
	return dbHandle, nil
}

func parseDBTimestamp(ts string) time.Time {
	formats := []string{
		time.DateTime,
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanEntries(rows *sql.Rows) ([]LogEntry, error) {
	defer rows.Close()
	var logs []LogEntry
	for rows.Next() {
		var entry LogEntry
		var insertedAt string
		if err := rows.Scan(&entry.ID, &insertedAt, &entry.LogData); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.InsertedAt = parseDBTimestamp(insertedAt)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return logs, nil
}

// GetLogsSinceStart returns every entry written by this process.
func GetLogsSinceStart() ([]LogEntry, error) {
	return GetLastNLogs(int(writeSinceStart.Load()))
}

// GetLastNLogs retrieves the most recent n entries, oldest first.
func GetLastNLogs(n int) ([]LogEntry, error) {
	handle, err := getHandle()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []LogEntry{}, nil
	}
	rows, err := handle.Query(`SELECT id, inserted_at, log_data FROM logs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query last %d logs: %w", n, err)
	}
	logs, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// GetLogsBetween retrieves entries whose event time lies in [start, end],
// in event time order. A limit <= 0 means DefaultLimit.
func GetLogsBetween(start, end time.Time, limit int) ([]LogEntry, error) {
	handle, err := getHandle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	startStr := start.Format(zerologTimeFieldFormat)
	endStr := end.Format(zerologTimeFieldFormat)

	rows, err := handle.Query(`
		SELECT id, inserted_at, log_data
		FROM logs
		WHERE json_extract(log_data, '$.time') >= ? AND json_extract(log_data, '$.time') <= ?
		ORDER BY json_extract(log_data, '$.time') ASC, id ASC
		LIMIT ?`, startStr, endStr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs between %s and %s: %w", startStr, endStr, err)
	}
	return scanEntries(rows)
}

func GetLogsSince(start time.Time, limit int) ([]LogEntry, error) {
	return GetLogsBetween(start, time.Now(), limit)
}
