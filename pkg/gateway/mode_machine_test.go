package gateway

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rezaa1/rtllia/pkg/persistence/chatstore"
	"github.com/rezaa1/rtllia/pkg/session"
	"github.com/rezaa1/rtllia/pkg/session/mocks"
)

// failingVoiceStore refuses to switch sessions to voice.
type failingVoiceStore struct {
	*chatstore.InMemoryStore
}

func (failingVoiceStore) SetVoiceMode(context.Context, string, session.CallDetails, time.Time) error {
	return errors.New("database is locked")
}

func newTestModeMachine(t *testing.T, store interface {
	session.SessionStore
	session.MessageStore
}, tel session.Telephony, r *Registry) *ModeMachine {
	t.Helper()
	m, err := NewModeMachine(ModeMachineConfig{
		Sessions:   store,
		Messages:   store,
		Telephony:  tel,
		Registry:   r,
		FromNumber: "+15550000000",
		OrgNumbers: map[string]string{"org-2": "+15550000002"},
	})
	require.NoError(t, err)
	return m
}

func TestModeChangeToVoiceSucceeds(t *testing.T) {
	store := newSeededStore(t, activeSession("s1"))
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")
	_, other := registerTestConn(t, r, "s1", "u2")

	ctrl := gomock.NewController(t)
	tel := mocks.NewMockTelephony(ctrl)
	tel.EXPECT().CreateCall(gomock.Any(), session.CallRequest{
		FromNumber:      "+15550000000",
		ToNumber:        "+14155550100",
		ProviderAgentID: "retell-agent-1",
	}).Return(session.CallResult{CallID: "call-1", Status: "registered"}, nil)

	m := newTestModeMachine(t, store, tel, r)
	require.NoError(t, m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"}))

	for _, s := range []*stubConn{sc, other} {
		ev := nextEvent(t, s)
		require.Equal(t, TypeModeChanged, ev["type"])
		require.Equal(t, "voice", ev["mode"])
		details := ev["callDetails"].(map[string]any)
		require.Equal(t, "call-1", details["providerCallId"])
		require.Equal(t, "+14155550100", details["phoneNumber"])
		msg := messageOf(t, ev)
		require.Equal(t, "system", msg["senderType"])
		require.Equal(t, "Transitioning to voice call. Calling +14155550100...", msg["content"])
		require.Equal(t, "call-1", msg["metadata"].(map[string]any)["callId"])
	}

	sess, ok, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, session.ModeVoice, sess.Mode)
	require.NotNil(t, sess.Metadata[session.MetadataCallDetails])
}

func TestModeChangePlacesCallOnEveryVoiceRequest(t *testing.T) {
	store := newSeededStore(t, activeSession("s1"))
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")

	ctrl := gomock.NewController(t)
	tel := mocks.NewMockTelephony(ctrl)
	gomock.InOrder(
		tel.EXPECT().CreateCall(gomock.Any(), gomock.Any()).
			Return(session.CallResult{CallID: "call-1", Status: "registered"}, nil),
		tel.EXPECT().CreateCall(gomock.Any(), session.CallRequest{
			FromNumber:      "+15550000000",
			ToNumber:        "+14155550101",
			ProviderAgentID: "retell-agent-1",
		}).Return(session.CallResult{CallID: "call-2", Status: "registered"}, nil),
	)

	m := newTestModeMachine(t, store, tel, r)
	require.NoError(t, m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"}))
	require.Equal(t, TypeModeChanged, nextEvent(t, sc)["type"])

	require.NoError(t, m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550101"}))
	ev := nextEvent(t, sc)
	require.Equal(t, TypeModeChanged, ev["type"])
	require.Equal(t, "call-2", ev["callDetails"].(map[string]any)["providerCallId"])

	sess, _, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.ModeVoice, sess.Mode)
	require.Equal(t, "call-2", sess.Metadata[session.MetadataCallDetails].(map[string]any)["providerCallId"])
	msgs, err := store.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestModeChangeLogsCallWhenSessionSwitchFails(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	store := failingVoiceStore{InMemoryStore: newSeededStore(t, activeSession("s1"))}
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")

	placed := telephonyFunc(func(context.Context, session.CallRequest) (session.CallResult, error) {
		return session.CallResult{CallID: "call-orphan", Status: "registered"}, nil
	})
	m := newTestModeMachine(t, store, placed, r)

	err := m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"})
	msg, kind := clientFacing(err)
	require.Equal(t, msgFailedToProcess, msg)
	require.Equal(t, KindInternal, kind)
	requireNoEvent(t, sc, 50*time.Millisecond)

	sess, _, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.ModeChat, sess.Mode)

	logged := buf.String()
	require.Contains(t, logged, `"level":"error"`)
	require.Contains(t, logged, `"call_id":"call-orphan"`)
	require.Contains(t, logged, `"session_id":"s1"`)
	require.Contains(t, logged, `"phone_number":"+14155550100"`)
}

func TestModeChangeTelephonyFailureKeepsChat(t *testing.T) {
	store := newSeededStore(t, activeSession("s1"))
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")

	failing := telephonyFunc(func(context.Context, session.CallRequest) (session.CallResult, error) {
		return session.CallResult{}, errors.New("Invalid or missing Retell API key")
	})
	m := newTestModeMachine(t, store, failing, r)

	err := m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"})
	msg, kind := clientFacing(err)
	require.Equal(t, msgFailedToChangeMode, msg)
	require.Equal(t, KindProvider, kind)
	requireNoEvent(t, sc, 50*time.Millisecond)

	sess, _, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, session.ModeChat, sess.Mode)
	msgs, err := store.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestModeChangeRejections(t *testing.T) {
	ended := activeSession("s-ended")
	ended.Status = session.StatusEnded
	store := newSeededStore(t, activeSession("s1"), ended)

	never := telephonyFunc(func(context.Context, session.CallRequest) (session.CallResult, error) {
		t.Fatal("telephony must not be called")
		return session.CallResult{}, nil
	})
	r := NewRegistry()
	m := newTestModeMachine(t, store, never, r)

	tests := []struct {
		name      string
		sessionID string
		req       ModeChangeRequest
		want      string
	}{
		{"back to chat", "s1", ModeChangeRequest{Mode: "chat"}, msgInvalidModeChange},
		{"ended", "s-ended", ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"}, msgSessionNotActive},
		{"missing", "nope", ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"}, msgSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestConn(t, tt.sessionID, "u1")
			msg, kind := clientFacing(m.HandleChange(context.Background(), c, tt.req))
			require.Equal(t, tt.want, msg)
			require.Equal(t, KindValidation, kind)
		})
	}
}

func TestModeChangeRejectsConcurrentTransition(t *testing.T) {
	store := newSeededStore(t, activeSession("s1"))
	r := NewRegistry()
	c, _ := registerTestConn(t, r, "s1", "u1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := telephonyFunc(func(context.Context, session.CallRequest) (session.CallResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return session.CallResult{CallID: "call-1", Status: "registered"}, nil
	})
	m := newTestModeMachine(t, store, slow, r)

	done := make(chan error, 1)
	go func() {
		done <- m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550100"})
	}()
	<-entered

	msg, _ := clientFacing(m.HandleChange(context.Background(), c, ModeChangeRequest{Mode: "voice", PhoneNumber: "+14155550101"}))
	require.Equal(t, msgModeChangeBusy, msg)

	close(release)
	require.NoError(t, <-done)
}

func TestModeMachineFromNumber(t *testing.T) {
	m := newTestModeMachine(t, newSeededStore(t), telephonyFunc(nil), NewRegistry())
	require.Equal(t, "+15550000002", m.FromNumber("org-2"))
	require.Equal(t, "+15550000000", m.FromNumber("org-1"))

	d, err := NewModeMachine(ModeMachineConfig{
		Sessions:  newSeededStore(t),
		Messages:  newSeededStore(t),
		Telephony: telephonyFunc(nil),
		Registry:  NewRegistry(),
	})
	require.NoError(t, err)
	require.Equal(t, DefaultFromNumber, d.FromNumber("org-1"))
}
