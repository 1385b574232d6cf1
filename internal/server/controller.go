package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cloudfiles/containerserver/internal/accountupdate"
	"github.com/cloudfiles/containerserver/internal/broker"
	"github.com/cloudfiles/containerserver/internal/listing"
	"github.com/cloudfiles/containerserver/internal/mount"
	"github.com/cloudfiles/containerserver/internal/pathutil"
	"github.com/cloudfiles/containerserver/internal/replication"
	"github.com/sirupsen/logrus"
)

// containerListingLimit caps how many rows one GET may return.
const containerListingLimit = 10000

// readerPendingTimeout is how long HTTP readers wait on a held writer
// before accepting a slightly stale view.
const readerPendingTimeout = 100 * time.Millisecond

// Controller dispatches the container HTTP verbs. GET/HEAD/PUT/DELETE
// address /<drive>/<partition>/<account>/<container>[/<object>];
// POST addresses /<drive>/<partition>/<hash> and carries a replication
// RPC.
type Controller struct {
	root    string
	mounts  *mount.Checker
	updater *accountupdate.Updater
	rpc     *replication.RPC
	logger  *logrus.Logger
}

// NewController wires the controller's collaborators.
func NewController(root string, mounts *mount.Checker, updater *accountupdate.Updater, rpc *replication.RPC, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{
		root:    root,
		mounts:  mounts,
		updater: updater,
		rpc:     rpc,
		logger:  logger,
	}
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"trans_id": r.Header.Get("X-Cf-Trans-Id"),
			}).Errorf("Panic handling request: %v", p)
			respond(w, http.StatusInternalServerError,
				fmt.Sprintf("%v\n\n%s", p, debug.Stack()))
		}
	}()

	if !listing.XMLEncodable(r.URL.Path) {
		respond(w, http.StatusPreconditionFailed, "Invalid UTF8")
		return
	}
	switch r.Method {
	case http.MethodGet:
		c.handleGet(w, r)
	case http.MethodHead:
		c.handleHead(w, r)
	case http.MethodPut:
		c.handlePut(w, r)
	case http.MethodDelete:
		c.handleDelete(w, r)
	case http.MethodPost:
		c.handlePost(w, r)
	default:
		respond(w, http.StatusMethodNotAllowed, "")
	}
}

// resolved carries the parsed request path.
type resolved struct {
	drive     string
	partition string
	account   string
	container string
	object    string
}

// resolve runs the common prelude: path parse, optional timestamp
// validation, mount check. It writes the error response and returns
// false when the request cannot proceed.
func (c *Controller) resolve(w http.ResponseWriter, r *http.Request, needTimestamp bool) (resolved, bool) {
	segs, err := pathutil.SplitPath(r.URL.Path, 4, 5, true)
	if err != nil {
		respond(w, http.StatusBadRequest, err.Error())
		return resolved{}, false
	}
	res := resolved{
		drive:     segs[0],
		partition: segs[1],
		account:   segs[2],
		container: segs[3],
		object:    segs[4],
	}
	if needTimestamp {
		if _, err := broker.NormalizeTimestamp(r.Header.Get("X-Timestamp")); err != nil {
			respond(w, http.StatusBadRequest, "Missing timestamp")
			return resolved{}, false
		}
	}
	if !c.mounts.IsMounted(c.root, res.drive) {
		respond(w, http.StatusInsufficientStorage, res.drive+" is not mounted")
		return resolved{}, false
	}
	return res, true
}

func (c *Controller) broker(res resolved) *broker.Broker {
	dbPath := pathutil.DBPath(c.root, res.drive, res.partition, res.account, res.container)
	return broker.New(dbPath, res.account, res.container, c.logger)
}

// readerBroker is a broker tuned for HTTP reads: a short pending
// timeout and tolerance for a stale view while a writer holds the
// container lock.
func (c *Controller) readerBroker(res resolved) *broker.Broker {
	b := c.broker(res)
	b.PendingTimeout = readerPendingTimeout
	b.StaleReadsOK = true
	return b
}

func (c *Controller) handlePut(w http.ResponseWriter, r *http.Request) {
	res, ok := c.resolve(w, r, true)
	if !ok {
		return
	}
	ts := r.Header.Get("X-Timestamp")
	b := c.broker(res)
	defer b.Close()

	if res.object != "" {
		if !b.Exists() {
			respond(w, http.StatusNotFound, "")
			return
		}
		size, err := strconv.ParseInt(r.Header.Get("X-Size"), 10, 64)
		if err != nil {
			respond(w, http.StatusBadRequest, fmt.Sprintf("invalid x-size header: %v", err))
			return
		}
		contentType := r.Header.Get("X-Content-Type")
		if contentType == "" {
			respond(w, http.StatusBadRequest, "missing x-content-type header")
			return
		}
		etag := r.Header.Get("X-Etag")
		if etag == "" {
			respond(w, http.StatusBadRequest, "missing x-etag header")
			return
		}
		err = b.PutObject(res.object, ts, size, contentType, etag)
		if err != nil {
			c.brokerError(w, r, err)
			return
		}
		respond(w, http.StatusCreated, "")
		return
	}

	created := false
	if !b.Exists() {
		err := b.Initialize(ts)
		if err != nil && !errors.Is(err, broker.ErrDBExists) {
			c.brokerError(w, r, err)
			return
		}
		created = err == nil
	}
	if !created {
		deleted, err := b.IsDeleted()
		if err != nil {
			c.brokerError(w, r, err)
			return
		}
		created = deleted
		if err := b.UpdatePutTimestamp(ts); err != nil {
			c.brokerError(w, r, err)
			return
		}
		// A tombstone not superseded by this PUT means another
		// process owns the deletion.
		if stillDeleted, err := b.IsDeleted(); err != nil {
			c.brokerError(w, r, err)
			return
		} else if stillDeleted {
			respond(w, http.StatusConflict, "")
			return
		}
	}
	info, err := b.GetInfo()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	if status := c.updater.Update(r, res.account, res.container, info); status != 0 {
		respond(w, status, "")
		return
	}
	if created {
		respond(w, http.StatusCreated, "")
	} else {
		respond(w, http.StatusAccepted, "")
	}
}

func (c *Controller) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, ok := c.resolve(w, r, true)
	if !ok {
		return
	}
	ts := r.Header.Get("X-Timestamp")
	b := c.broker(res)
	defer b.Close()
	if !b.Exists() {
		respond(w, http.StatusNotFound, "")
		return
	}

	if res.object != "" {
		if err := b.DeleteObject(res.object, ts); err != nil {
			c.brokerError(w, r, err)
			return
		}
		respond(w, http.StatusNoContent, "")
		return
	}

	empty, err := b.Empty()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	if !empty {
		respond(w, http.StatusConflict, "")
		return
	}
	info, err := b.GetInfo()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	deleted, err := b.IsDeleted()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	putTS, _ := broker.TimestampToFloat(info.PutTimestamp)
	existed := putTS != 0 && !deleted
	if err := b.DeleteDB(ts); err != nil {
		c.brokerError(w, r, err)
		return
	}
	if nowDeleted, err := b.IsDeleted(); err != nil {
		c.brokerError(w, r, err)
		return
	} else if !nowDeleted {
		// Superseded by a newer PUT between the snapshot and now.
		respond(w, http.StatusConflict, "")
		return
	}
	info, err = b.GetInfo()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	if status := c.updater.Update(r, res.account, res.container, info); status != 0 {
		respond(w, status, "")
		return
	}
	if existed {
		respond(w, http.StatusNoContent, "")
	} else {
		respond(w, http.StatusAccepted, "")
	}
}

func (c *Controller) handleHead(w http.ResponseWriter, r *http.Request) {
	res, ok := c.resolve(w, r, false)
	if !ok {
		return
	}
	b := c.readerBroker(res)
	defer b.Close()
	deleted, err := b.IsDeleted()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	if deleted {
		respond(w, http.StatusNotFound, "")
		return
	}
	info, err := b.GetInfo()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	setInfoHeaders(w, info)
	respond(w, http.StatusNoContent, "")
}

func (c *Controller) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := c.resolve(w, r, false)
	if !ok {
		return
	}
	b := c.readerBroker(res)
	defer b.Close()
	deleted, err := b.IsDeleted()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	if deleted {
		respond(w, http.StatusNotFound, "")
		return
	}
	info, err := b.GetInfo()
	if err != nil {
		c.brokerError(w, r, err)
		return
	}

	query := r.URL.Query()
	for _, values := range query {
		for _, v := range values {
			if !utf8.ValidString(v) {
				respond(w, http.StatusBadRequest, "parameters not utf8")
				return
			}
		}
	}
	delimiter := query.Get("delimiter")
	if delimiter != "" && (len(delimiter) > 1 || delimiter[0] > 254) {
		respond(w, http.StatusPreconditionFailed, "Bad delimiter")
		return
	}
	limit := containerListingLimit
	if given := query.Get("limit"); given != "" {
		if n, err := strconv.Atoi(given); err == nil && n >= 0 {
			if n > containerListingLimit {
				respond(w, http.StatusPreconditionFailed,
					fmt.Sprintf("Maximum limit is %d", containerListingLimit))
				return
			}
			limit = n
		}
	}
	var path *string
	if values, present := query["path"]; present {
		path = &values[0]
	}

	records, err := b.ListObjectsIter(limit, query.Get("marker"),
		query.Get("prefix"), delimiter, path)
	if err != nil {
		c.brokerError(w, r, err)
		return
	}

	format := listing.Negotiate(query.Get("format"), r.Header.Get("Accept"))
	setInfoHeaders(w, info)
	var body []byte
	switch format {
	case listing.FormatJSON:
		body, err = listing.JSON(records)
	case listing.FormatXML:
		body, err = listing.XML(res.container, records)
	default:
		if len(records) == 0 {
			respond(w, http.StatusNoContent, "")
			return
		}
		body = listing.Plain(records)
	}
	if err != nil {
		c.brokerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", listing.ContentType(format))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (c *Controller) handlePost(w http.ResponseWriter, r *http.Request) {
	segs, err := pathutil.SplitPath(r.URL.Path, 3, 3, false)
	if err != nil {
		respond(w, http.StatusBadRequest, err.Error())
		return
	}
	drive, partition, hash := segs[0], segs[1], segs[2]
	if !c.mounts.IsMounted(c.root, drive) {
		respond(w, http.StatusInsufficientStorage, drive+" is not mounted")
		return
	}
	var args []interface{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		respond(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := c.rpc.Dispatch(drive, partition, hash, args)
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// brokerError maps broker failures onto the HTTP surface: a missing DB
// is 404, anything else is an internal error logged with the
// transaction id.
func (c *Controller) brokerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, broker.ErrDBMissing) {
		respond(w, http.StatusNotFound, "")
		return
	}
	c.logger.WithError(err).WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"trans_id": r.Header.Get("X-Cf-Trans-Id"),
	}).Error("Request failed")
	respond(w, http.StatusInternalServerError, err.Error())
}

func setInfoHeaders(w http.ResponseWriter, info broker.Info) {
	h := w.Header()
	h.Set("X-Container-Object-Count", strconv.FormatInt(info.ObjectCount, 10))
	h.Set("X-Container-Bytes-Used", strconv.FormatInt(info.BytesUsed, 10))
	h.Set("X-Timestamp", info.CreatedAt)
	h.Set("X-Put-Timestamp", info.PutTimestamp)
}

func respond(w http.ResponseWriter, status int, body string) {
	if body == "" {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
