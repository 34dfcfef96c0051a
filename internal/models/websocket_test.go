package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"update","content":"","userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeUpdate, msg.Type)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "", *msg.Content)
	assert.Equal(t, "u1", msg.UserID)

	msg, err = ParseInbound([]byte(`{"type":"editing_start"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeEditingStart, msg.Type)
}

func TestParseInboundRejects(t *testing.T) {
	cases := map[string]error{
		`not json`:                                           ErrMalformedMessage,
		`{"type":"update"}`:                                  ErrMalformedMessage,
		`{"type":"auth"}`:                                    ErrMalformedMessage,
		`{"type":"delete_all"}`:                              ErrUnknownMessageType,
		`{"content":"no type"}`:                              ErrUnknownMessageType,
		"\xff\xfe{\"type\":\"x\"}":                           ErrMalformedMessage,
		"{\"type\":\"update\",\"content\":\"ab\xff\xfecd\"}": ErrMalformedMessage,
	}
	for raw, want := range cases {
		_, err := ParseInbound([]byte(raw))
		assert.ErrorIs(t, err, want, raw)
	}
}

func TestEventWireShape(t *testing.T) {
	data, err := LockReleasedEvent().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock_released"}`, string(data))

	data, err = InitEvent("").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init","content":""}`, string(data))

	data, err = LockFailedEvent("busy").Encode()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "lock_failed", decoded["type"])
	assert.Equal(t, "busy", decoded["reason"])

	data, err = AuthResultEvent(RoleNone, false).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth_result","role":"none","authorized":false}`, string(data))
}
