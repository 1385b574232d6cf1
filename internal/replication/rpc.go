package replication

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/cloudfiles/containerserver/internal/broker"
	"github.com/cloudfiles/containerserver/internal/pathutil"
	"github.com/sirupsen/logrus"
)

// Response is what a dispatched RPC produced; the controller emits it
// to the peer verbatim.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

func status(code int) *Response {
	return &Response{Status: code, ContentType: "text/plain", Body: []byte(http.StatusText(code))}
}

// RPC routes JSON-encoded replication calls from peer nodes onto the
// container broker for the addressed DB. The body is a JSON array
// [op, arg1, ...]. Bulk DB transfer (rsync-style seeding) happens on a
// separate channel and is not served here.
type RPC struct {
	root   string
	logger *logrus.Logger
}

// New creates a dispatcher rooted at the devices directory.
func New(root string, logger *logrus.Logger) *RPC {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RPC{root: root, logger: logger}
}

// Dispatch runs one RPC against the container DB addressed by
// (drive, partition, hash). Unknown ops and malformed arguments map to
// 400, a missing DB to 404.
func (r *RPC) Dispatch(drive, partition, hash string, args []interface{}) *Response {
	if len(args) == 0 {
		return status(http.StatusBadRequest)
	}
	op, ok := args[0].(string)
	if !ok {
		return status(http.StatusBadRequest)
	}
	dbPath := filepath.Join(r.root, drive,
		pathutil.StorageDirectory(pathutil.DataDir, partition, hash), hash+".db")
	b := broker.New(dbPath, "", "", r.logger)
	defer b.Close()
	if !b.Exists() {
		return status(http.StatusNotFound)
	}

	switch op {
	case "sync":
		return r.sync(b, args[1:])
	case "merge_items":
		return r.mergeItems(b, args[1:])
	case "merge_syncs":
		return r.mergeSyncs(b, args[1:])
	default:
		return status(http.StatusBadRequest)
	}
}

// sync args: (hash, id, created_at, put_timestamp, delete_timestamp).
// The reply carries the local replication info plus the sync point for
// the calling peer, so it knows where to resume merge_items.
func (r *RPC) sync(b *broker.Broker, args []interface{}) *Response {
	if len(args) < 2 {
		return status(http.StatusBadRequest)
	}
	remoteID, ok := args[1].(string)
	if !ok {
		return status(http.StatusBadRequest)
	}
	info, err := b.GetReplicationInfo()
	if err != nil {
		r.logger.WithError(err).Error("Replication sync failed")
		return status(http.StatusInternalServerError)
	}
	point, err := b.SyncPoint(remoteID)
	if err != nil {
		r.logger.WithError(err).Error("Replication sync failed")
		return status(http.StatusInternalServerError)
	}
	body, err := json.Marshal(map[string]interface{}{
		"hash":             info.Hash,
		"id":               info.ID,
		"created_at":       info.CreatedAt,
		"put_timestamp":    info.PutTimestamp,
		"delete_timestamp": info.DeleteTimestamp,
		"object_count":     info.ObjectCount,
		"bytes_used":       info.BytesUsed,
		"max_row":          info.MaxRow,
		"point":            point,
	})
	if err != nil {
		return status(http.StatusInternalServerError)
	}
	return &Response{Status: http.StatusOK, ContentType: "application/json", Body: body}
}

// mergeItems args: (records, remote_id).
func (r *RPC) mergeItems(b *broker.Broker, args []interface{}) *Response {
	if len(args) < 2 {
		return status(http.StatusBadRequest)
	}
	remoteID, ok := args[1].(string)
	if !ok {
		return status(http.StatusBadRequest)
	}
	var records []broker.Record
	if err := reencode(args[0], &records); err != nil {
		return status(http.StatusBadRequest)
	}
	if err := b.MergeItems(records, remoteID); err != nil {
		r.logger.WithError(err).Error("Replication merge_items failed")
		return status(http.StatusInternalServerError)
	}
	return status(http.StatusAccepted)
}

// mergeSyncs args: ([{remote_id, sync_point}, ...]).
func (r *RPC) mergeSyncs(b *broker.Broker, args []interface{}) *Response {
	if len(args) < 1 {
		return status(http.StatusBadRequest)
	}
	var syncs []broker.SyncRecord
	if err := reencode(args[0], &syncs); err != nil {
		return status(http.StatusBadRequest)
	}
	if err := b.MergeSyncs(syncs); err != nil {
		r.logger.WithError(err).Error("Replication merge_syncs failed")
		return status(http.StatusInternalServerError)
	}
	return status(http.StatusAccepted)
}

// reencode converts a decoded JSON value into a typed destination.
func reencode(v interface{}, dst interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
