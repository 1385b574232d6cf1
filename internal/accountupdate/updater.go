package accountupdate

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudfiles/containerserver/internal/broker"
	"github.com/sirupsen/logrus"
)

// Updater performs the best-effort PUT of container aggregates to the
// account service. The connect is bounded by ConnTimeout and the whole
// exchange by NodeTimeout; both expirations abort only this side
// channel, never the primary request.
type Updater struct {
	ConnTimeout time.Duration
	NodeTimeout time.Duration

	// Record, when set, receives the outcome of each update attempt:
	// ok, not_found, error, timeout or skipped.
	Record func(outcome string)

	logger *logrus.Logger
	client *http.Client
}

// New builds an updater with its own transport so the connect timeout
// is independent of any shared client.
func New(connTimeout, nodeTimeout time.Duration, logger *logrus.Logger) *Updater {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Updater{
		ConnTimeout: connTimeout,
		NodeTimeout: nodeTimeout,
		logger:      logger,
		client: &http.Client{
			Timeout: nodeTimeout,
			Transport: &http.Transport{
				DialContext:       (&net.Dialer{Timeout: connTimeout}).DialContext,
				DisableKeepAlives: true,
			},
		},
	}
}

func (u *Updater) record(outcome string) {
	if u.Record != nil {
		u.Record(outcome)
	}
}

// Update notifies the account service named by the X-Account-* request
// headers. If any of the three headers is missing the update is
// skipped. The only status surfaced to the caller is
// http.StatusNotFound (the account no longer accepts this container);
// every other outcome returns 0 and the caller proceeds, since a
// background replicator converges later.
func (u *Updater) Update(r *http.Request, account, container string, info broker.Info) int {
	host := r.Header.Get("X-Account-Host")
	partition := r.Header.Get("X-Account-Partition")
	device := r.Header.Get("X-Account-Device")
	if host == "" || partition == "" || device == "" {
		u.record("skipped")
		return 0
	}
	transID := r.Header.Get("X-Cf-Trans-Id")
	if transID == "" {
		transID = "-"
	}
	url := fmt.Sprintf("http://%s/%s/%s/%s/%s", host, device, partition, account, container)
	req, err := http.NewRequest(http.MethodPut, url, nil)
	if err != nil {
		u.record("error")
		u.logger.WithError(err).WithFields(logrus.Fields{
			"account_host": host,
			"trans_id":     transID,
		}).Error("Account update failed (will retry later)")
		return 0
	}
	req.Header.Set("X-Put-Timestamp", info.PutTimestamp)
	req.Header.Set("X-Delete-Timestamp", info.DeleteTimestamp)
	req.Header.Set("X-Object-Count", strconv.FormatInt(info.ObjectCount, 10))
	req.Header.Set("X-Bytes-Used", strconv.FormatInt(info.BytesUsed, 10))
	req.Header.Set("X-Cf-Trans-Id", transID)
	if strings.EqualFold(r.Header.Get("X-Account-Override-Deleted"), "yes") {
		req.Header.Set("X-Account-Override-Deleted", "yes")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		outcome := "error"
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			outcome = "timeout"
		}
		u.record(outcome)
		u.logger.WithError(err).WithFields(logrus.Fields{
			"account_host":      host,
			"account_partition": partition,
			"account_device":    device,
			"trans_id":          transID,
		}).Error("Account update failed (will retry later)")
		return 0
	}
	defer resp.Body.Close()
	// Bodies on any status are drained and discarded for wire
	// compatibility.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		u.record("not_found")
		return http.StatusNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		u.record("ok")
		return 0
	default:
		u.record("error")
		u.logger.WithFields(logrus.Fields{
			"account_host":      host,
			"account_partition": partition,
			"account_device":    device,
			"trans_id":          transID,
			"status":            resp.StatusCode,
		}).Error("Account update failed (will retry later)")
		return 0
	}
}
