package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezaa1/rtllia/pkg/client"
)

func TestBuildURL(t *testing.T) {
	got, err := buildURL("ws://localhost:8080/chat", "s1", "tok")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/chat?sessionId=s1&token=tok", got)

	got, err = buildURL("ws://h/chat?sessionId=s2&token=t2", "", "")
	require.NoError(t, err)
	require.Equal(t, "ws://h/chat?sessionId=s2&token=t2", got)

	_, err = buildURL("ws://h/chat", "s1", "")
	require.Error(t, err)
}

func TestInputFrame(t *testing.T) {
	require.Nil(t, inputFrame("   "))
	require.Equal(t, map[string]any{"type": "message:send", "content": "hello"}, inputFrame(" hello "))
	require.Equal(t, map[string]any{"type": "mode:change", "mode": "voice", "phoneNumber": "+15551234567"}, inputFrame("/voice +15551234567"))
	require.Equal(t, map[string]any{"type": "ping"}, inputFrame("/ping"))
}

func TestFormatEvent(t *testing.T) {
	require.Equal(t, "[agent] hi", formatEvent(client.Event{
		Type: "message:received",
		Raw:  []byte(`{"type":"message:received","message":{"senderType":"agent","content":"hi"}}`),
	}))
	require.Equal(t, "! Session not found", formatEvent(client.Event{Type: "error", Raw: []byte(`{"type":"error","error":"Session not found"}`)}))
	require.Equal(t, `<pong> {"type":"pong"}`, formatEvent(client.Event{Type: "pong", Raw: []byte(`{"type":"pong"}`)}))
}
