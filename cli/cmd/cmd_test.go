package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string][]string{
		"tenant":        {"list", "onboard", "offboard", "token"},
		"task":          {"list", "get", "create", "update", "attach", "download"},
		"dlq":           {"list", "show", "replay", "delete", "stats"},
		"queue":         {"stats"},
		"archive":       {"search"},
		"alerts":        {"watch"},
		"admin":         {"hash-key"},
		"subscriptions": nil,
		"seed":          nil,
		"login":         nil,
		"health":        nil,
	}

	for name, subs := range expected {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, c.Name())
		for _, sub := range subs {
			sc, _, err := rootCmd.Find([]string{name, sub})
			require.NoError(t, err, name+" "+sub)
			assert.Equal(t, sub, sc.Name())
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseSince("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	got, err = parseSince("2026-03-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
	_, err = parseSince("-1h", now)
	assert.Error(t, err)
}

func TestHashAdminKey(t *testing.T) {
	_, err := hashAdminKey("short")
	assert.ErrorContains(t, err, "at least 16")

	key, err := generateKey()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(key), minAdminKeyLen)

	hash, err := hashAdminKey(key)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))
}

// fakeCore records requests and answers the handful of routes the tests use.
type fakeCore struct {
	mu       sync.Mutex
	requests []string
	tokens   int
}

func (f *fakeCore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(r.URL.Path, "/admin/") && r.Header.Get("X-Admin-Key") != "operator-key-0123456789":
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"unauthorized","message":"invalid admin key"}`))
	case r.URL.Path == "/admin/v1/tenants" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"tenant_id":"acme","data_namespace":"data_acme","storage_namespace":"blob-acme"}`))
	case strings.HasSuffix(r.URL.Path, "/token"):
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		w.Write([]byte(`{"token":"tok-acme","expires_at":"2026-03-02T12:00:00Z"}`))
	case r.URL.Path == "/api/v1/tasks" && r.Method == http.MethodPost:
		if r.Header.Get("Authorization") != "Bearer tok-acme" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "t-1", "title": body["title"], "version": 1, "status": "open"})
	case r.URL.Path == "/admin/v1/queue/stats":
		w.Write([]byte(`{"pending":2,"in_flight":1,"keys":2,"applier":{"applied":10,"skipped":1,"failed":0}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"not_found","message":"no route"}`))
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TASKHUB_CONFIG_DIR", t.TempDir())

	// flag values persist on the package-level commands between runs
	t.Cleanup(func() { resetFlags(rootCmd) })

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestTenantOnboardThenCreateTask(t *testing.T) {
	core := &fakeCore{}
	srv := httptest.NewServer(core)
	defer srv.Close()

	_, err := runCLI(t, "tenant", "onboard", "acme", "--core-url", srv.URL, "--admin-key", "operator-key-0123456789")
	require.NoError(t, err)

	// no cached token yet, so one is issued with the admin key
	_, err = runCLI(t, "task", "create", "--tenant", "acme", "--title", "Write docs",
		"--core-url", srv.URL, "--admin-key", "operator-key-0123456789")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /admin/v1/tenants",
		"POST /admin/v1/tenants/acme/token",
		"POST /api/v1/tasks",
	}, core.requests)
	assert.Equal(t, 1, core.tokens)
}

func TestAdminCommandWithoutKey(t *testing.T) {
	srv := httptest.NewServer(&fakeCore{})
	defer srv.Close()

	_, err := runCLI(t, "queue", "stats", "--core-url", srv.URL)
	assert.ErrorContains(t, err, "no admin key")
}

func TestAdminCommandRejectedKey(t *testing.T) {
	srv := httptest.NewServer(&fakeCore{})
	defer srv.Close()

	_, err := runCLI(t, "queue", "stats", "--core-url", srv.URL, "--admin-key", "wrong-key-wrong-key")
	assert.ErrorContains(t, err, "unauthorized")
}

func TestUnknownOutputFormat(t *testing.T) {
	srv := httptest.NewServer(&fakeCore{})
	defer srv.Close()

	_, err := runCLI(t, "queue", "stats", "--core-url", srv.URL,
		"--admin-key", "operator-key-0123456789", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestAlertsWatchGroupFlag(t *testing.T) {
	f := alertsWatchCmd.Flags().Lookup("group")
	require.NotNil(t, f)
	assert.Empty(t, f.DefValue, "plain fan-out subscription unless a group is named")
}
