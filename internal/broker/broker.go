package broker

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var (
	// ErrDBMissing is returned when an operation requires the DB file
	// to already exist and it does not.
	ErrDBMissing = errors.New("container database does not exist")

	// ErrDBExists is returned by Initialize when the DB file is
	// already present.
	ErrDBExists = errors.New("container database already exists")

	// ErrPendingTimeout is returned when the per-container lock could
	// not be acquired within the pending timeout.
	ErrPendingTimeout = errors.New("timeout waiting on container lock")
)

// Info is the container record kept in the single-row container_stat
// table. Timestamps are in normalized form (see NormalizeTimestamp).
type Info struct {
	Account         string
	Container       string
	CreatedAt       string
	PutTimestamp    string
	DeleteTimestamp string
	ObjectCount     int64
	BytesUsed       int64
	Hash            string
	ID              string
}

// Record is one object row. A tombstone has Deleted=1, size zero and
// empty content type and etag. Subdir is set only on synthesized
// listing rows and is never stored.
type Record struct {
	RowID       int64  `json:"-"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
	Deleted     int    `json:"deleted"`
	Subdir      bool   `json:"-"`
}

const zeroHash = "00000000000000000000000000000000"

// Broker is the handle to one container DB file. A Broker is cheap to
// construct and is typically created per request; cross-request
// serialization happens through a process-wide per-path lock plus
// SQLite's own file locking.
type Broker struct {
	DBFile    string
	Account   string
	Container string

	// PendingTimeout bounds how long reads wait for the container
	// lock when folding in spooled writes. HTTP readers lower this
	// to 100ms and set StaleReadsOK.
	PendingTimeout time.Duration
	StaleReadsOK   bool

	logger *logrus.Logger
	db     *sql.DB
}

// New returns a broker handle for the given DB file. It does not create
// or open the file.
func New(dbFile, account, container string, logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broker{
		DBFile:         dbFile,
		Account:        account,
		Container:      container,
		PendingTimeout: 10 * time.Second,
		logger:         logger,
	}
}

// Exists reports whether the DB file is present on disk.
func (b *Broker) Exists() bool {
	_, err := os.Stat(b.DBFile)
	return err == nil
}

// Close releases the underlying database connection, if open.
func (b *Broker) Close() error {
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		return err
	}
	return nil
}

func (b *Broker) conn() (*sql.DB, error) {
	if b.db != nil {
		return b.db, nil
	}
	if !b.Exists() {
		return nil, ErrDBMissing
	}
	db, err := sql.Open("sqlite", b.DBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open container database: %w", err)
	}
	// One connection per handle: a single writer per container DB is
	// assumed, and this keeps transactions on one SQLite connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure container database: %w", err)
	}
	b.db = db
	return db, nil
}

const schema = `
CREATE TABLE object (
	name TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX ix_object_deleted_name ON object (deleted, name);

CREATE TABLE container_stat (
	account TEXT,
	container TEXT,
	created_at TEXT,
	put_timestamp TEXT DEFAULT '0',
	delete_timestamp TEXT DEFAULT '0',
	object_count INTEGER DEFAULT 0,
	bytes_used INTEGER DEFAULT 0,
	hash TEXT DEFAULT '` + zeroHash + `',
	id TEXT
);

CREATE TABLE incoming_sync (
	remote_id TEXT PRIMARY KEY,
	sync_point INTEGER NOT NULL
);
`

// Initialize creates the DB file with created_at = put_timestamp = ts
// and delete_timestamp = 0. It fails with ErrDBExists if the file is
// already present.
func (b *Broker) Initialize(ts string) error {
	norm, err := NormalizeTimestamp(ts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.DBFile), 0755); err != nil {
		return fmt.Errorf("failed to create container directory: %w", err)
	}
	f, err := os.OpenFile(b.DBFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrDBExists
		}
		return fmt.Errorf("failed to create container database: %w", err)
	}
	f.Close()
	db, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize container schema: %w", err)
	}
	_, err = db.Exec(`INSERT INTO container_stat
		(account, container, created_at, put_timestamp, delete_timestamp, id)
		VALUES (?, ?, ?, ?, '0', ?)`,
		b.Account, b.Container, norm, norm, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to initialize container stat: %w", err)
	}
	return nil
}

// UpdatePutTimestamp advances put_timestamp to ts if ts is newer.
func (b *Broker) UpdatePutTimestamp(ts string) error {
	norm, err := NormalizeTimestamp(ts)
	if err != nil {
		return err
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"UPDATE container_stat SET put_timestamp = ? WHERE put_timestamp < ?",
		norm, norm)
	if err != nil {
		return fmt.Errorf("failed to update put timestamp: %w", err)
	}
	return nil
}

// DeleteDB marks the container deleted by advancing delete_timestamp.
// Repeating with an equal or lower timestamp is a no-op.
func (b *Broker) DeleteDB(ts string) error {
	norm, err := NormalizeTimestamp(ts)
	if err != nil {
		return err
	}
	if err := b.maybeFlush(); err != nil {
		return err
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		"UPDATE container_stat SET delete_timestamp = ? WHERE delete_timestamp < ?",
		norm, norm)
	if err != nil {
		return fmt.Errorf("failed to update delete timestamp: %w", err)
	}
	return nil
}

// PutObject spools an upsert for the named object. The row only wins
// over an existing one under the timestamp-ordering rule (tombstones
// win ties); losing rows are dropped when the spool is folded in.
func (b *Broker) PutObject(name, ts string, size int64, contentType, etag string) error {
	norm, err := NormalizeTimestamp(ts)
	if err != nil {
		return err
	}
	return b.putRecord(Record{
		Name:        name,
		CreatedAt:   norm,
		Size:        size,
		ContentType: contentType,
		ETag:        etag,
	})
}

// DeleteObject spools a tombstone for the named object under the same
// ordering rule as PutObject.
func (b *Broker) DeleteObject(name, ts string) error {
	norm, err := NormalizeTimestamp(ts)
	if err != nil {
		return err
	}
	return b.putRecord(Record{
		Name:      name,
		CreatedAt: norm,
		Deleted:   1,
	})
}

// Empty reports whether no live object rows exist.
func (b *Broker) Empty() (bool, error) {
	info, err := b.GetInfo()
	if err != nil {
		return false, err
	}
	return info.ObjectCount == 0, nil
}

// IsDeleted reports whether the container is logically deleted: the DB
// file is missing, or delete_timestamp has passed put_timestamp and no
// live rows remain.
func (b *Broker) IsDeleted() (bool, error) {
	if !b.Exists() {
		return true, nil
	}
	info, err := b.GetInfo()
	if err != nil {
		return false, err
	}
	return info.DeleteTimestamp > info.PutTimestamp && info.ObjectCount == 0, nil
}

// GetInfo returns the container record.
func (b *Broker) GetInfo() (Info, error) {
	if err := b.maybeFlush(); err != nil {
		return Info{}, err
	}
	return b.readInfo()
}

func (b *Broker) readInfo() (Info, error) {
	db, err := b.conn()
	if err != nil {
		return Info{}, err
	}
	var info Info
	err = db.QueryRow(`SELECT account, container, created_at, put_timestamp,
		delete_timestamp, object_count, bytes_used, hash, id
		FROM container_stat`).Scan(
		&info.Account, &info.Container, &info.CreatedAt, &info.PutTimestamp,
		&info.DeleteTimestamp, &info.ObjectCount, &info.BytesUsed,
		&info.Hash, &info.ID)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read container stat: %w", err)
	}
	return info, nil
}
