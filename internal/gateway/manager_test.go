package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/livehub/internal/bus"
)

type recorder struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (r *recorder) Publish(env bus.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) ofKind(k bus.Kind) []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Envelope
	for _, e := range r.envs {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

type fakeSink struct {
	frames chan []byte
	mu     sync.Mutex
	fail   bool
	closed int
}

func newFakeSink() *fakeSink { return &fakeSink{frames: make(chan []byte, 64)} }

func (s *fakeSink) WriteFrame(_ FrameKind, data []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	s.frames <- data
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case b := <-s.frames:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func TestManager_ConnectPublishesUserConnected(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)

	sid, err := m.OnConnect("c1", "alice", "", newFakeSink())
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
	assert.Equal(t, 1, m.Count())

	got := rec.ofKind(bus.KindUserConnected)
	require.Len(t, got, 1)
	assert.Equal(t, sid, got[0].SessionID)
	assert.Equal(t, "alice", got[0].Payload.(bus.UserConnected).UserID)
}

func TestManager_DuplicateConnection(t *testing.T) {
	m := NewManager(Config{}, &recorder{})
	_, err := m.OnConnect("c1", "alice", "", newFakeSink())
	require.NoError(t, err)

	_, err = m.OnConnect("c1", "bob", "", newFakeSink())
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Equal(t, 1, m.Count())
}

func TestManager_TextFrameBecomesTextInput(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	sid, _ := m.OnConnect("c1", "alice", "", newFakeSink())

	require.NoError(t, m.OnInboundFrame("c1", FrameText, []byte(`{"type":"text_input","content":"hi there","language":"en"}`)))
	require.NoError(t, m.OnInboundFrame("c1", FrameText, []byte("plain words")))

	got := rec.ofKind(bus.KindTextInput)
	require.Len(t, got, 2)
	assert.Equal(t, sid, got[0].SessionID)
	assert.Equal(t, "hi there", got[0].Payload.(bus.TextInput).Text)
	assert.Equal(t, "en", got[0].Payload.(bus.TextInput).Language)
	assert.Equal(t, "plain words", got[1].Payload.(bus.TextInput).Text)
}

func TestManager_MalformedFrameAnsweredNotPublished(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	sink := newFakeSink()
	m.OnConnect("c1", "alice", "", sink)

	err := m.OnInboundFrame("c1", FrameText, []byte(`{"type":"text_input"`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.Empty(t, rec.ofKind(bus.KindTextInput))

	frame := sink.next(t)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, 1, m.Count(), "connection stays open")
	assert.Equal(t, uint64(1), m.Stats()["malformed"])
}

func TestManager_UnknownConnection(t *testing.T) {
	m := NewManager(Config{}, &recorder{})
	err := m.OnInboundFrame("ghost", FrameText, []byte("hello"))
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, m.Send("ghost", FrameText, nil), ErrUnknownConnection)
}

func TestManager_PingAnsweredWithPong(t *testing.T) {
	m := NewManager(Config{}, &recorder{})
	sink := newFakeSink()
	m.OnConnect("c1", "alice", "", sink)

	require.NoError(t, m.OnInboundFrame("c1", FrameText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", sink.next(t)["type"])
}

func TestManager_AudioUsesPendingHeader(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	m.OnConnect("c1", "alice", "", newFakeSink())

	require.NoError(t, m.OnInboundFrame("c1", FrameText, []byte(`{"type":"audio_input","format":"wav","sample_rate":44100}`)))
	require.NoError(t, m.OnInboundFrame("c1", FrameBinary, []byte{1, 2, 3}))
	require.NoError(t, m.OnInboundFrame("c1", FrameBinary, []byte{4, 5}))

	got := rec.ofKind(bus.KindAudioInput)
	require.Len(t, got, 2)
	first := got[0].Payload.(bus.AudioInput)
	assert.Equal(t, "wav", first.Format)
	assert.Equal(t, 44100, first.SampleRate)
	assert.Equal(t, []byte{1, 2, 3}, first.Data)

	second := got[1].Payload.(bus.AudioInput)
	assert.Equal(t, "pcm", second.Format, "header applies to one frame")
	assert.Equal(t, 16000, second.SampleRate)
}

func TestManager_AudioLimits(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{MaxAudioBytes: 4}, rec)
	m.OnConnect("c1", "alice", "", newFakeSink())

	assert.ErrorIs(t, m.OnInboundFrame("c1", FrameBinary, nil), ErrMalformedFrame)
	assert.ErrorIs(t, m.OnInboundFrame("c1", FrameBinary, []byte("too long")), ErrMalformedFrame)
	assert.Empty(t, rec.ofKind(bus.KindAudioInput))
}

func TestManager_OutboundRoutedToOwningSession(t *testing.T) {
	m := NewManager(Config{}, &recorder{})
	a, b := newFakeSink(), newFakeSink()
	sidA, _ := m.OnConnect("ca", "alice", "", a)
	m.OnConnect("cb", "bob", "", b)

	env := bus.NewEnvelope(sidA, "alice", bus.ResponseGenerated{Response: "Hello alice", Model: "echo"})
	m.OnOutboundEvent(context.Background(), env)

	frame := a.next(t)
	assert.Equal(t, "llm_response", frame["type"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "Hello alice", data["response"])
	assert.Equal(t, "echo", data["model"])

	select {
	case f := <-b.frames:
		t.Fatalf("bob received %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_OutboundForUnknownSessionDropped(t *testing.T) {
	m := NewManager(Config{}, &recorder{})
	a := newFakeSink()
	m.OnConnect("ca", "alice", "", a)

	m.OnOutboundEvent(context.Background(), bus.NewEnvelope("gone", "x", bus.AnimationTriggered{AnimationType: "wave"}))
	select {
	case f := <-a.frames:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_DisconnectOnlyOnce(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	sink := newFakeSink()
	m.OnConnect("c1", "alice", "", sink)

	assert.True(t, m.OnDisconnect("c1", nil))
	assert.False(t, m.OnDisconnect("c1", errors.New("again")))

	assert.Len(t, rec.ofKind(bus.KindUserDisconnected), 1)
	assert.Equal(t, 0, m.Count())
	sink.mu.Lock()
	assert.Equal(t, 1, sink.closed)
	sink.mu.Unlock()
}

func TestManager_WriteFailureDisconnects(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	sink := newFakeSink()
	sid, _ := m.OnConnect("c1", "alice", "", sink)

	sink.mu.Lock()
	sink.fail = true
	sink.mu.Unlock()
	m.OnOutboundEvent(context.Background(), bus.NewEnvelope(sid, "alice", bus.ResponseGenerated{Response: "x"}))

	require.Eventually(t, func() bool { return len(rec.ofKind(bus.KindUserDisconnected)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Count())
	got := rec.ofKind(bus.KindUserDisconnected)
	assert.Contains(t, got[0].Payload.(bus.UserDisconnected).Reason, "broken pipe")
}

func TestManager_ResumeDetachedSession(t *testing.T) {
	m := NewManager(Config{ResumeWindow: time.Minute}, &recorder{})
	sid, _ := m.OnConnect("c1", "alice", "", newFakeSink())
	m.OnDisconnect("c1", nil)

	resumed, err := m.OnConnect("c2", "alice", sid, newFakeSink())
	require.NoError(t, err)
	assert.Equal(t, sid, resumed)
}

func TestManager_ResumeRules(t *testing.T) {
	m := NewManager(Config{ResumeWindow: time.Minute}, &recorder{})
	sid, _ := m.OnConnect("c1", "alice", "", newFakeSink())

	_, err := m.OnConnect("c2", "alice", sid, newFakeSink())
	assert.ErrorIs(t, err, ErrSessionInUse)

	m.OnDisconnect("c1", nil)
	other, err := m.OnConnect("c3", "mallory", sid, newFakeSink())
	require.NoError(t, err)
	assert.NotEqual(t, sid, other, "another user cannot take over a session")

	fresh, err := m.OnConnect("c4", "alice", "never-existed", newFakeSink())
	require.NoError(t, err)
	assert.NotEqual(t, "never-existed", fresh)
}

func TestManager_SweepDetached(t *testing.T) {
	m := NewManager(Config{ResumeWindow: time.Minute}, &recorder{})
	sid, _ := m.OnConnect("c1", "alice", "", newFakeSink())
	m.OnDisconnect("c1", nil)

	assert.Equal(t, 0, m.SweepDetached(time.Now()))
	assert.Equal(t, 1, m.SweepDetached(time.Now().Add(2*time.Minute)))

	again, _ := m.OnConnect("c2", "alice", sid, newFakeSink())
	assert.NotEqual(t, sid, again)
}

func TestManager_CloseAllAndSessions(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	m.OnConnect("c1", "alice", "", newFakeSink())
	m.OnConnect("c2", "bob", "", newFakeSink())

	infos := m.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "c1", infos[0].ConnID)

	m.CloseAll(errors.New("shutdown"))
	assert.Equal(t, 0, m.Count())
	assert.Len(t, rec.ofKind(bus.KindUserDisconnected), 2)
}

func TestParseInbound(t *testing.T) {
	cases := []struct {
		raw     string
		typ     string
		wantErr bool
	}{
		{`hello`, TypeTextInput, false},
		{`  {"type":"text_input","content":"x"}  `, TypeTextInput, false},
		{`{"type":"ping"}`, TypePing, false},
		{`{"type":"audio_input","format":"wav"}`, TypeAudioInput, false},
		{``, "", true},
		{`   `, "", true},
		{`{"type":"text_input","content":"  "}`, "", true},
		{`{"type":"dance"}`, "", true},
		{`{"content":"no type"}`, "", true},
		{`{not json`, "", true},
	}
	for _, tc := range cases {
		msg, err := ParseInbound([]byte(tc.raw))
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.typ, msg.Type, tc.raw)
	}
}

func TestEncodeOutbound(t *testing.T) {
	env := bus.NewEnvelope("s", "u", bus.AnimationTriggered{
		AnimationType: "wave",
		Duration:      2.0,
		Parameters:    map[string]any{"loop": false},
	})
	b, err := EncodeOutbound(env)
	require.NoError(t, err)

	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &frame))
	assert.Equal(t, "animation", frame.Type)
	assert.Equal(t, "wave", frame.Data["animation_type"])
	assert.Equal(t, 2.0, frame.Data["duration"])

	_, err = EncodeOutbound(bus.NewEnvelope("s", "u", bus.TextInput{Text: "x"}))
	assert.Error(t, err)
}

func TestServeWS_EndToEnd(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Config{}, rec)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeWS(w, r, "alice")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeSession, hello.Type)
	sid := hello.Data["session_id"]
	require.NotEmpty(t, sid)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text_input","content":"hi"}`)))
	require.Eventually(t, func() bool { return len(rec.ofKind(bus.KindTextInput)) == 1 }, 2*time.Second, 10*time.Millisecond)

	m.OnOutboundEvent(context.Background(), bus.NewEnvelope(sid, "alice", bus.ResponseGenerated{Response: "hey", Model: "echo"}))
	var reply struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "llm_response", reply.Type)
	assert.Equal(t, "hey", reply.Data["response"])

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.Eventually(t, func() bool { return len(rec.ofKind(bus.KindUserDisconnected)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Count())
}
