package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rezaa1/rtllia/pkg/session"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	dsn, err := SQLiteDSNForFile(dbPath)
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = os.Stat(dbPath)
	require.NoError(t, err)
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLiteStore(t),
		"memory": NewInMemoryStore(0),
	}
}

func TestStore_FindScopesByOrganization(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := s.CreateSession(ctx, session.Session{ID: "s1", OrganizationID: "org-1", AgentID: "a1", ProviderAgentID: "ag_77"})
			require.NoError(t, err)
			require.Equal(t, session.StatusActive, created.Status)
			require.Equal(t, session.ModeChat, created.Mode)

			got, ok, err := s.Find(ctx, "s1", "org-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "a1", got.AgentID)
			require.Equal(t, "ag_77", got.ProviderAgentID)

			_, ok, err = s.Find(ctx, "s1", "org-2")
			require.NoError(t, err)
			require.False(t, ok)

			_, ok, err = s.Get(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStore_ListRecentReturnsNewestAscending(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.CreateSession(ctx, session.Session{ID: "s1", OrganizationID: "org-1", AgentID: "a1"})
			require.NoError(t, err)

			base := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < 25; i++ {
				_, err := s.Append(ctx, session.Message{
					SessionID:  "s1",
					SenderType: session.SenderUser,
					Content:    string(rune('a' + i)),
					CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
				})
				require.NoError(t, err)
			}

			recent, err := s.ListRecent(ctx, "s1", 20)
			require.NoError(t, err)
			require.Len(t, recent, 20)
			require.Equal(t, "f", recent[0].Content)
			require.Equal(t, "y", recent[19].Content)
			for i := 1; i < len(recent); i++ {
				require.False(t, recent[i].CreatedAt.Before(recent[i-1].CreatedAt))
			}

			all, err := s.ListMessages(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, all, 25)
			require.Equal(t, session.MessageText, all[0].MessageType)
		})
	}
}

func TestStore_SetVoiceModeAndEnd(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.CreateSession(ctx, session.Session{
				ID:             "s1",
				OrganizationID: "org-1",
				AgentID:        "a1",
				Metadata:       map[string]any{"source": "widget"},
			})
			require.NoError(t, err)

			now := time.Now().UTC()
			err = s.SetVoiceMode(ctx, "s1", session.CallDetails{ProviderCallID: "call-1", Status: "registered", PhoneNumber: "+15551234567"}, now)
			require.NoError(t, err)

			got, ok, err := s.Get(ctx, "s1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, session.ModeVoice, got.Mode)
			require.Equal(t, "widget", got.Metadata["source"])
			details, ok := got.Metadata[session.MetadataCallDetails].(map[string]any)
			require.True(t, ok)
			require.Equal(t, "+15551234567", details["phoneNumber"])

			require.NoError(t, s.EndSession(ctx, "s1", now))
			got, _, err = s.Get(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, session.StatusEnded, got.Status)
			require.NotNil(t, got.EndedAt)

			err = s.Touch(ctx, "missing", now)
			require.True(t, errors.Is(err, session.ErrSessionNotFound))
		})
	}
}

func TestStore_AppendRejectsInvalidMessage(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Append(context.Background(), session.Message{SessionID: "s1", SenderType: "robot", Content: "x"})
			require.Error(t, err)
			require.True(t, errors.Is(err, session.ErrInvalidMessage))
		})
	}
}
