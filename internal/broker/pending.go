package broker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// pendingCap is the spool size that forces a fold into the DB on the
// write path.
const pendingCap = 128 * 1024

// Per-path locks serialize spool appends and folds across all broker
// handles in the process. SQLite file locking covers other processes.
var pathLocks sync.Map // db file -> chan struct{}

func lockFor(path string) chan struct{} {
	l, _ := pathLocks.LoadOrStore(path, make(chan struct{}, 1))
	return l.(chan struct{})
}

// lock acquires the per-container lock, waiting at most timeout
// (forever when timeout <= 0). The returned func releases it.
func (b *Broker) lock(timeout time.Duration) (func(), error) {
	l := lockFor(b.DBFile)
	if timeout <= 0 {
		l <- struct{}{}
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case l <- struct{}{}:
		case <-t.C:
			return nil, ErrPendingTimeout
		}
	}
	return func() { <-l }, nil
}

func (b *Broker) pendingFile() string {
	return b.DBFile + ".pending"
}

// putRecord appends one spooled mutation, folding the spool into the
// DB once it grows past pendingCap.
func (b *Broker) putRecord(rec Record) error {
	if !b.Exists() {
		return ErrDBMissing
	}
	release, err := b.lock(b.PendingTimeout)
	if err != nil {
		return err
	}
	defer release()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pending record: %w", err)
	}
	f, err := os.OpenFile(b.pendingFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open pending file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append pending record: %w", err)
	}
	fi, err := f.Stat()
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to stat pending file: %w", err)
	}
	if fi.Size() > pendingCap {
		return b.flushLocked()
	}
	return nil
}

// maybeFlush folds spooled writes in before a read. When the lock
// cannot be had within PendingTimeout and StaleReadsOK is set, the
// read proceeds against the possibly stale committed view.
func (b *Broker) maybeFlush() error {
	if !b.Exists() {
		return ErrDBMissing
	}
	release, err := b.lock(b.PendingTimeout)
	if errors.Is(err, ErrPendingTimeout) && b.StaleReadsOK {
		return nil
	}
	if err != nil {
		return err
	}
	defer release()
	return b.flushLocked()
}

// flushLocked applies every spooled record in one transaction and
// removes the spool. Caller holds the per-container lock.
func (b *Broker) flushLocked() error {
	f, err := os.Open(b.pendingFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open pending file: %w", err)
	}
	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			f.Close()
			return fmt.Errorf("failed to decode pending record: %w", err)
		}
		records = append(records, rec)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read pending file: %w", err)
	}
	if len(records) > 0 {
		if err := b.mergeItemsLocked(records); err != nil {
			return err
		}
	}
	if err := os.Remove(b.pendingFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pending file: %w", err)
	}
	return nil
}
