package hub

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/livehub/internal/bus"
	"github.com/dayuer/livehub/internal/config"
	"github.com/dayuer/livehub/internal/gateway"
	"github.com/dayuer/livehub/internal/platform"
	"github.com/dayuer/livehub/internal/providers"
)

type nopSink struct{}

func (nopSink) WriteFrame(gateway.FrameKind, []byte) error { return nil }
func (nopSink) Close() error                              { return nil }

func newTestHub(t *testing.T, mutate func(*config.Config)) *Hub {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Redis.URL = ""
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg, WithInstanceID("hub-test"))
	require.NoError(t, err)
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h
}

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestHub_ConversationOverWebSocket(t *testing.T) {
	h := newTestHub(t, nil)
	srv := httptest.NewServer(h.Server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readUntil(t, conn, gateway.TypeSession)
	assert.Equal(t, "alice", hello.Data["user_id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Hi Maya")))

	reply := readUntil(t, conn, string(bus.KindResponseGenerated))
	assert.Equal(t, "Hello! I'm Maya, and I received your message: 'Hi Maya'", reply.Data["response"])
	assert.Equal(t, providers.EchoModel, reply.Data["model"])

	anim := readUntil(t, conn, string(bus.KindAnimationTriggered))
	assert.Equal(t, "wave", anim.Data["animation_type"])
}

type voiceGenerator struct{ providers.Echo }

func (voiceGenerator) Synthesize(_ context.Context, text, voice string) (providers.Speech, error) {
	return providers.Speech{Voice: voice, Format: "mp3", Audio: []byte("audio")}, nil
}

func TestHub_SpeechFollowsProviderSwap(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) { c.Provider.Speech = true })
	srv := httptest.NewServer(h.Server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/carol"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, gateway.TypeSession)

	// Echo cannot speak: the reply arrives without audio.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("one")))
	readUntil(t, conn, string(bus.KindResponseGenerated))

	h.Generator.Swap(voiceGenerator{})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("two")))
	for {
		speech := readUntil(t, conn, string(bus.KindSpeechGenerated))
		if strings.Contains(speech.Data["text"].(string), "two") {
			break
		}
	}
}

func TestHub_BlacklistedInputWarns(t *testing.T) {
	h := newTestHub(t, nil)
	srv := httptest.NewServer(h.Server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, gateway.TypeSession)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text_input","content":"买广告吗"}`)))
	reply := readUntil(t, conn, string(bus.KindResponseGenerated))
	assert.Equal(t, "validation_system", reply.Data["model"])
	assert.Zero(t, h.Agent.Info().Replies)
}

func TestHub_WebhookToSession(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Platforms = []platform.Config{{Platform: "douyin", RoomID: "777", Enabled: true}}
	})
	require.True(t, h.Platforms.Status()["douyin_777"].Running)

	srv := httptest.NewServer(h.Server.Handler())
	defer srv.Close()

	body := `{"message":"你好","user_id":9,"username":"观众"}`
	resp, err := http.Post(srv.URL+"/api/v1/platforms/douyin_777/events", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sid := platform.SessionFor("douyin", "9")
	require.Eventually(t, func() bool {
		info, history, ok := h.Agent.Session(sid)
		return ok && len(history) == 2 && info.UserID == "douyin_9"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHub_Sweep(t *testing.T) {
	h := newTestHub(t, func(c *config.Config) {
		c.Platforms = []platform.Config{{Platform: "douyin", RoomID: "1", Enabled: true}}
	})

	// One detached client session
	sid, err := h.Gateway.OnConnect("c1", "carol", "", nopSink{})
	require.NoError(t, err)
	require.True(t, h.Gateway.OnDisconnect("c1", nil))

	// One ingested identity
	require.NoError(t, h.Platforms.HandlePayload("douyin_1", []byte(`{"message":"hi","user_id":"5"}`)))
	require.Equal(t, 1, h.Platforms.IdentityCount())

	assert.Equal(t, SweepResult{}, h.Sweep(time.Now()))

	later := time.Now().Add(time.Hour)
	res := h.Sweep(later)
	assert.Equal(t, 1, res.Detached)
	assert.Equal(t, 1, res.Identities)
	assert.Equal(t, 0, h.Platforms.IdentityCount())

	// The detached session can no longer be resumed
	_, err = h.Gateway.OnConnect("c2", "carol", sid, nopSink{})
	assert.NoError(t, err)
	assert.Len(t, h.Gateway.Sessions(), 1)
	assert.NotEqual(t, sid, h.Gateway.Sessions()[0].SessionID)
}

func TestHub_Status(t *testing.T) {
	h := newTestHub(t, nil)
	st := h.Status()
	assert.Equal(t, "hub-test", st.InstanceID)
	assert.Equal(t, providers.EchoModel, st.Model)
	assert.Zero(t, st.Connections)
	assert.Equal(t, map[string]any{"redis": "disabled"}, h.redisHealth(context.Background()))
}

func TestNew_Errors(t *testing.T) {
	t.Run("missing rules file", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Validation.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Sweep.Schedule = "every now and then"
		_, err := New(cfg)
		assert.Error(t, err)
	})

	t.Run("provider without key", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		cfg := config.DefaultConfig()
		cfg.Provider.Name = "openai"
		_, err := New(cfg)
		assert.ErrorIs(t, err, providers.ErrMissingAPIKey)
	})
}

func TestNew_RulesFileAndOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - id: short
    name: Short
    kind: length
    enabled: true
    params:
      min_length: 1
      max_length: 5
`), 0644))

	cfg := config.DefaultConfig()
	cfg.Validation.RulesFile = path
	cfg.Agent.Animations = false
	cfg.Agent.Name = "Nova"
	h, err := New(cfg, WithGenerator(providers.Echo{}))
	require.NoError(t, err)
	defer h.Stop()

	require.Len(t, h.Validator.Rules(), 1)
	assert.False(t, h.Validator.Validate("u", "too long for this").Allowed())
	assert.Equal(t, "Nova", h.Agent.Info().Name)
	assert.NotEmpty(t, h.InstanceID())
}

func TestAgentConfig_PersonaDefaults(t *testing.T) {
	ac := agentConfig(config.AgentConfig{Name: "Nova"})
	assert.Equal(t, "Nova", ac.Persona.Name)
	assert.NotEmpty(t, ac.Persona.Personality)
	assert.Equal(t, "en", ac.Persona.Language)
}
