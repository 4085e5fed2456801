package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezaa1/rtllia/pkg/telephony"
)

func runSessions(t *testing.T, args ...string) []byte {
	t.Helper()
	cmd := newSessionsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestSessionsLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "rtllia.db")

	var created struct {
		Session struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Mode   string `json:"mode"`
		} `json:"session"`
		Token string `json:"token"`
	}
	out := runSessions(t, "create", "--db", db, "--jwt-secret", "dev", "--org", "org-1", "--agent", "agent-1", "--id", "s1")
	require.NoError(t, json.Unmarshal(out, &created))
	require.Equal(t, "s1", created.Session.ID)
	require.Equal(t, "active", created.Session.Status)
	require.NotEmpty(t, created.Token)

	out = runSessions(t, "end", "--db", db, "--yes", "s1")
	require.Contains(t, string(out), "session s1 ended")

	var history struct {
		Session struct {
			Status string `json:"status"`
		} `json:"session"`
		Messages []any `json:"messages"`
	}
	out = runSessions(t, "history", "--db", db, "s1")
	require.NoError(t, json.Unmarshal(out, &history))
	require.Equal(t, "ended", history.Session.Status)
	require.Empty(t, history.Messages)
}

func TestSessionsRequireDB(t *testing.T) {
	cmd := newSessionsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"history", "s1"})
	require.Error(t, cmd.Execute())
}

func TestConfirm(t *testing.T) {
	ok, err := confirm(strings.NewReader("y\n"), io.Discard, "End session s1? [y/n]")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = confirm(strings.NewReader("N\n"), io.Discard, "End session s1? [y/n]")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionsCallStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		if r.URL.Path == "/calls/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, "/calls/call_123", r.URL.Path)
		_, _ = w.Write([]byte(`{"call_id":"call_123","status":"ongoing","to_number":"+14155550100","agent_id":"agent_abc"}`))
	}))
	defer srv.Close()

	var call telephony.Call
	out := runSessions(t, "call-status", "--retell-api-key", "key-1", "--retell-base-url", srv.URL, "call_123")
	require.NoError(t, json.Unmarshal(out, &call))
	require.Equal(t, "call_123", call.CallID)
	require.Equal(t, "ongoing", call.Status)
	require.Equal(t, "+14155550100", call.ToNumber)

	cmd := newSessionsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"call-status", "--retell-api-key", "key-1", "--retell-base-url", srv.URL, "missing"})
	err := cmd.Execute()
	require.True(t, errors.Is(err, telephony.ErrCallNotFound), "got %v", err)
}

func TestSessionsCallStatusRequiresAPIKey(t *testing.T) {
	t.Setenv("RTLLIA_RETELL_API_KEY", "")
	t.Setenv("RETELL_API_KEY", "")
	cmd := newSessionsCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"call-status", "call_123"})
	require.Error(t, cmd.Execute())
}
