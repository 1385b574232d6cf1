package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, method, target string, headers map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	handler := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("body"))
	}))

	r := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	handler.ServeHTTP(httptest.NewRecorder(), r)
	return buf.String()
}

func TestAccessLog(t *testing.T) {
	out := captureLog(t, http.MethodGet, "/sda/0/acct/cont", map[string]string{
		"X-Cf-Trans-Id": "tx-abc",
		"User-Agent":    "account-server",
	})
	require.NotEmpty(t, out)
	assert.Contains(t, out, "GET /sda/0/acct/cont")
	assert.Contains(t, out, " 201 4 ")
	assert.Contains(t, out, "tx-abc")
	assert.Contains(t, out, "account-server")
	assert.Contains(t, out, "level=info")
}

func TestAccessLog_DashesForMissing(t *testing.T) {
	out := captureLog(t, http.MethodGet, "/sda/0/acct/cont", nil)
	assert.Contains(t, out, "-")
}

func TestAccessLog_ReplicationAtDebug(t *testing.T) {
	out := captureLog(t, http.MethodPost, "/sda/0/hash", nil)
	assert.Contains(t, out, "level=debug")
}
