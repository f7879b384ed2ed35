package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDouyin_Defaults(t *testing.T) {
	msgs, err := ParseDouyin([]byte(`{"message":"hi"}`), Config{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "douyin", m.Platform)
	assert.Equal(t, "anonymous", m.ExternalUserID)
	assert.Equal(t, "用户", m.DisplayName)
	assert.Equal(t, "unknown", m.RoomID)
	assert.False(t, m.IsVIP)
	assert.Zero(t, m.UserLevel)
}

func TestParseDouyin_FullPayload(t *testing.T) {
	data := `{"message":"好","user_id":12345,"username":"阿强","room_id":"888","user_level":7,"is_vip":true}`
	msgs, err := ParseDouyin([]byte(data), Config{RoomID: "ignored"})
	require.NoError(t, err)
	m := msgs[0]
	assert.Equal(t, "12345", m.ExternalUserID)
	assert.Equal(t, "阿强", m.DisplayName)
	assert.Equal(t, "888", m.RoomID)
	assert.Equal(t, 7, m.UserLevel)
	assert.True(t, m.IsVIP)
}

func TestParseDouyin_RoomFromConfig(t *testing.T) {
	msgs, err := ParseDouyin([]byte(`{"message":"x"}`), Config{RoomID: "r9"})
	require.NoError(t, err)
	assert.Equal(t, "r9", msgs[0].RoomID)
}

func TestParseDouyin_Malformed(t *testing.T) {
	for _, raw := range []string{`{"user_id":"u"}`, `[]`, `{`, ``} {
		_, err := ParseDouyin([]byte(raw), Config{})
		assert.ErrorIs(t, err, ErrMalformedPayload, raw)
	}
}

func TestParseBilibili(t *testing.T) {
	data := `{"cmd":"LIVE_OPEN_PLATFORM_DM","data":{"open_id":"o1","uname":"up","msg":"弹幕","room_id":42,"fans_medal_level":5,"guard_level":3,"timestamp":1700000000}}`
	msgs, err := ParseBilibili([]byte(data), Config{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "bilibili", m.Platform)
	assert.Equal(t, "o1", m.ExternalUserID)
	assert.Equal(t, "弹幕", m.Content)
	assert.Equal(t, "42", m.RoomID)
	assert.Equal(t, 5, m.UserLevel)
	assert.True(t, m.IsVIP)
	assert.Equal(t, time.Unix(1700000000, 0), m.ReceivedAt)
}

func TestParseBilibili_OtherCommandsIgnored(t *testing.T) {
	msgs, err := ParseBilibili([]byte(`{"cmd":"LIVE_OPEN_PLATFORM_SEND_GIFT","data":{}}`), Config{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestParseBilibili_Malformed(t *testing.T) {
	_, err := ParseBilibili([]byte(`{"data":{}}`), Config{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = ParseBilibili([]byte(`{"cmd":"LIVE_OPEN_PLATFORM_DM","data":{"uid":1}}`), Config{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseYouTube(t *testing.T) {
	data := `{"items":[
		{"snippet":{"type":"textMessageEvent","liveChatId":"chat1","publishedAt":"2025-01-01T10:00:00Z","textMessageDetails":{"messageText":"hello"}},
		 "authorDetails":{"channelId":"UC1","displayName":"Ann","isChatSponsor":true}},
		{"snippet":{"type":"newSponsorEvent","displayMessage":"joined"},"authorDetails":{"channelId":"UC2"}},
		{"snippet":{"displayMessage":"fallback text"},"authorDetails":{"channelId":"UC3","displayName":"Mod","isChatModerator":true}}
	]}`
	msgs, err := ParseYouTube([]byte(data), Config{RoomID: "room"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "UC1", msgs[0].ExternalUserID)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "chat1", msgs[0].RoomID)
	assert.True(t, msgs[0].IsVIP)
	assert.Equal(t, 1, msgs[0].UserLevel)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), msgs[0].ReceivedAt.UTC())

	assert.Equal(t, "fallback text", msgs[1].Content)
	assert.Equal(t, "room", msgs[1].RoomID)
	assert.Equal(t, 2, msgs[1].UserLevel)
}

func TestParseYouTube_Malformed(t *testing.T) {
	_, err := ParseYouTube([]byte(`{"kind":"youtube#liveChatMessageListResponse"}`), Config{})
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = ParseYouTube([]byte(`{"items":[{"snippet":{"displayMessage":"x"},"authorDetails":{}}]}`), Config{})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	msgs, err := ParseYouTube([]byte(`{"items":[]}`), Config{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(50))
}
