package broker

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// ReplicationInfo is the container record plus the high-water rowid,
// exchanged by peers during a sync.
type ReplicationInfo struct {
	Info
	MaxRow int64
}

// SyncRecord tracks how far a remote peer's rows have been merged.
type SyncRecord struct {
	RemoteID  string `json:"remote_id"`
	SyncPoint int64  `json:"sync_point"`
}

// chexor folds (name, timestamp) into the running container hash. XOR
// is self-inverse, so folding the same pair twice removes it.
func chexor(old, name, timestamp string) string {
	oldSum, err := hex.DecodeString(old)
	if err != nil || len(oldSum) != md5.Size {
		oldSum = make([]byte, md5.Size)
	}
	sum := md5.Sum([]byte(name + "-" + timestamp))
	for i := range sum {
		sum[i] ^= oldSum[i]
	}
	return hex.EncodeToString(sum[:])
}

// MergeItems applies replicated object rows under the same
// timestamp-ordering rule as local mutations. Spooled local writes are
// folded in first so ordering is preserved. remoteID identifies the
// sending peer and is carried for the dispatch contract; sync points
// are advanced separately via MergeSyncs.
func (b *Broker) MergeItems(records []Record, remoteID string) error {
	_ = remoteID
	if !b.Exists() {
		return ErrDBMissing
	}
	release, err := b.lock(b.PendingTimeout)
	if err != nil {
		return err
	}
	defer release()
	if err := b.flushLocked(); err != nil {
		return err
	}
	return b.mergeItemsLocked(records)
}

// mergeItemsLocked is the single upsert path for object rows: the row
// kept for a name is the one with the greatest created_at, tombstones
// winning ties. Counts, bytes and the content hash move atomically
// with the rows. Caller holds the per-container lock.
func (b *Broker) mergeItemsLocked(records []Record) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	var hash string
	if err := tx.QueryRow("SELECT hash FROM container_stat").Scan(&hash); err != nil {
		return fmt.Errorf("failed to read container hash: %w", err)
	}
	var countDelta, bytesDelta int64
	for _, rec := range records {
		var oldTS string
		var oldSize int64
		var oldDeleted int
		err := tx.QueryRow(
			"SELECT created_at, size, deleted FROM object WHERE name = ?",
			rec.Name).Scan(&oldTS, &oldSize, &oldDeleted)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`INSERT INTO object
				(name, created_at, size, content_type, etag, deleted)
				VALUES (?, ?, ?, ?, ?, ?)`,
				rec.Name, rec.CreatedAt, rec.Size, rec.ContentType,
				rec.ETag, rec.Deleted); err != nil {
				return fmt.Errorf("failed to insert object row: %w", err)
			}
			hash = chexor(hash, rec.Name, rec.CreatedAt)
			if rec.Deleted == 0 {
				countDelta++
				bytesDelta += rec.Size
			}
		case err != nil:
			return fmt.Errorf("failed to read object row: %w", err)
		default:
			wins := rec.CreatedAt > oldTS ||
				(rec.CreatedAt == oldTS && rec.Deleted == 1 && oldDeleted == 0)
			if !wins {
				continue
			}
			// Delete-then-insert so the replacement gets a fresh
			// rowid and shows up in ItemsSince.
			if _, err := tx.Exec("DELETE FROM object WHERE name = ?", rec.Name); err != nil {
				return fmt.Errorf("failed to replace object row: %w", err)
			}
			if _, err := tx.Exec(`INSERT INTO object
				(name, created_at, size, content_type, etag, deleted)
				VALUES (?, ?, ?, ?, ?, ?)`,
				rec.Name, rec.CreatedAt, rec.Size, rec.ContentType,
				rec.ETag, rec.Deleted); err != nil {
				return fmt.Errorf("failed to insert object row: %w", err)
			}
			hash = chexor(chexor(hash, rec.Name, oldTS), rec.Name, rec.CreatedAt)
			if oldDeleted == 0 {
				countDelta--
				bytesDelta -= oldSize
			}
			if rec.Deleted == 0 {
				countDelta++
				bytesDelta += rec.Size
			}
		}
	}
	if _, err := tx.Exec(`UPDATE container_stat SET
		object_count = object_count + ?,
		bytes_used = bytes_used + ?,
		hash = ?`, countDelta, bytesDelta, hash); err != nil {
		return fmt.Errorf("failed to update container stat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge transaction: %w", err)
	}
	return nil
}

// GetReplicationInfo returns the container record and max rowid with
// all spooled writes folded in.
func (b *Broker) GetReplicationInfo() (ReplicationInfo, error) {
	if !b.Exists() {
		return ReplicationInfo{}, ErrDBMissing
	}
	release, err := b.lock(b.PendingTimeout)
	if err != nil {
		return ReplicationInfo{}, err
	}
	defer release()
	if err := b.flushLocked(); err != nil {
		return ReplicationInfo{}, err
	}
	info, err := b.readInfo()
	if err != nil {
		return ReplicationInfo{}, err
	}
	db, err := b.conn()
	if err != nil {
		return ReplicationInfo{}, err
	}
	var maxRow int64
	if err := db.QueryRow("SELECT IFNULL(MAX(rowid), -1) FROM object").Scan(&maxRow); err != nil {
		return ReplicationInfo{}, fmt.Errorf("failed to read max row: %w", err)
	}
	return ReplicationInfo{Info: info, MaxRow: maxRow}, nil
}

// ItemsSince returns up to count object rows with rowid greater than
// start, in rowid order. Tombstones are included; replication needs
// them to converge.
func (b *Broker) ItemsSince(start int64, count int) ([]Record, error) {
	if err := b.maybeFlush(); err != nil {
		return nil, err
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT rowid, name, created_at, size, content_type,
		etag, deleted FROM object WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		start, count)
	if err != nil {
		return nil, fmt.Errorf("failed to query object rows: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RowID, &rec.Name, &rec.CreatedAt, &rec.Size,
			&rec.ContentType, &rec.ETag, &rec.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan object row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating object rows: %w", err)
	}
	return out, nil
}

// MergeSyncs records sync points from a peer, keeping the highest
// point seen per remote id.
func (b *Broker) MergeSyncs(syncs []SyncRecord) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()
	for _, s := range syncs {
		if _, err := tx.Exec(`INSERT INTO incoming_sync (remote_id, sync_point)
			VALUES (?, ?)
			ON CONFLICT(remote_id) DO UPDATE SET sync_point = excluded.sync_point
			WHERE excluded.sync_point > incoming_sync.sync_point`,
			s.RemoteID, s.SyncPoint); err != nil {
			return fmt.Errorf("failed to merge sync point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return nil
}

// SyncPoint returns the recorded sync point for a remote id, or -1.
func (b *Broker) SyncPoint(remoteID string) (int64, error) {
	db, err := b.conn()
	if err != nil {
		return -1, err
	}
	var point int64
	err = db.QueryRow("SELECT sync_point FROM incoming_sync WHERE remote_id = ?",
		remoteID).Scan(&point)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to read sync point: %w", err)
	}
	return point, nil
}
