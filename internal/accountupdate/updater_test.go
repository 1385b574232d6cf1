package accountupdate

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfiles/containerserver/internal/broker"
)

func testInfo() broker.Info {
	return broker.Info{
		PutTimestamp:    "0000000100.00000",
		DeleteTimestamp: "0",
		ObjectCount:     3,
		BytesUsed:       42,
	}
}

func containerRequest(host string) *http.Request {
	r := httptest.NewRequest(http.MethodPut, "/sda/0/acct/cont", nil)
	r.Header.Set("X-Account-Host", host)
	r.Header.Set("X-Account-Partition", "7")
	r.Header.Set("X-Account-Device", "sdb")
	return r
}

func TestUpdate_Success(t *testing.T) {
	var got *http.Request
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	host := mustHost(t, srv.URL)
	u := New(time.Second, time.Second, nil)
	var outcomes []string
	u.Record = func(o string) { outcomes = append(outcomes, o) }

	r := containerRequest(host)
	r.Header.Set("X-Cf-Trans-Id", "tx-123")
	status := u.Update(r, "acct", "cont", testInfo())

	assert.Zero(t, status)
	require.NotNil(t, got)
	assert.Equal(t, "/sdb/7/acct/cont", gotPath)
	assert.Equal(t, "0000000100.00000", got.Header.Get("X-Put-Timestamp"))
	assert.Equal(t, "0", got.Header.Get("X-Delete-Timestamp"))
	assert.Equal(t, "3", got.Header.Get("X-Object-Count"))
	assert.Equal(t, "42", got.Header.Get("X-Bytes-Used"))
	assert.Equal(t, "tx-123", got.Header.Get("X-Cf-Trans-Id"))
	assert.Empty(t, got.Header.Get("X-Account-Override-Deleted"))
	assert.Equal(t, []string{"ok"}, outcomes)
}

func TestUpdate_OverrideDeleted(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u := New(time.Second, time.Second, nil)
	r := containerRequest(mustHost(t, srv.URL))
	r.Header.Set("X-Account-Override-Deleted", "yes")
	status := u.Update(r, "acct", "cont", testInfo())

	assert.Zero(t, status)
	assert.Equal(t, "yes", got.Get("X-Account-Override-Deleted"))
	assert.Equal(t, "-", got.Get("X-Cf-Trans-Id"), "placeholder when no trans id")
}

func TestUpdate_NotFoundSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u := New(time.Second, time.Second, nil)
	var outcomes []string
	u.Record = func(o string) { outcomes = append(outcomes, o) }

	status := u.Update(containerRequest(mustHost(t, srv.URL)), "acct", "cont", testInfo())
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, []string{"not_found"}, outcomes)
}

func TestUpdate_ServerErrorSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := New(time.Second, time.Second, nil)
	var outcomes []string
	u.Record = func(o string) { outcomes = append(outcomes, o) }

	status := u.Update(containerRequest(mustHost(t, srv.URL)), "acct", "cont", testInfo())
	assert.Zero(t, status, "non-404 failures never surface")
	assert.Equal(t, []string{"error"}, outcomes)
}

func TestUpdate_UnreachableSwallowed(t *testing.T) {
	u := New(50*time.Millisecond, 100*time.Millisecond, nil)
	var outcomes []string
	u.Record = func(o string) { outcomes = append(outcomes, o) }

	// A closed port fails fast with a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := mustHost(t, srv.URL)
	srv.Close()

	status := u.Update(containerRequest(host), "acct", "cont", testInfo())
	assert.Zero(t, status)
	require.Len(t, outcomes, 1)
	assert.Contains(t, []string{"error", "timeout"}, outcomes[0])
}

func TestUpdate_SkippedWithoutHeaders(t *testing.T) {
	u := New(time.Second, time.Second, nil)
	var outcomes []string
	u.Record = func(o string) { outcomes = append(outcomes, o) }

	r := httptest.NewRequest(http.MethodPut, "/sda/0/acct/cont", nil)
	r.Header.Set("X-Account-Host", "example.com:6002")
	// Partition and device missing.
	status := u.Update(r, "acct", "cont", testInfo())

	assert.Zero(t, status)
	assert.Equal(t, []string{"skipped"}, outcomes)
}

func mustHost(t *testing.T, rawurl string) string {
	t.Helper()
	parsed, err := url.Parse(rawurl)
	require.NoError(t, err)
	return parsed.Host
}
