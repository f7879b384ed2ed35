package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/livehub/internal/session"
)

// --- Registry ---

func TestFindByModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"deepseek-chat", "deepseek"},
		{"qwen-max", "dashscope"},
		{"gpt-4o-mini", "openai"},
		{"kimi-k2", "moonshot"},
		{"glm-4-flash", "zhipu"},
	}
	for _, tt := range tests {
		spec := FindByModel(tt.model)
		require.NotNil(t, spec, tt.model)
		assert.Equal(t, tt.want, spec.Name, tt.model)
	}
	assert.Nil(t, FindByModel("some-unknown-model"))
}

func TestDetect_Priority(t *testing.T) {
	assert.Equal(t, "groq", Detect("groq", "sk-or-x", "", "deepseek-chat").Name)
	assert.Equal(t, "openrouter", Detect("", "sk-or-abc", "", "deepseek-chat").Name)
	assert.Equal(t, "deepseek", Detect("", "sk-x", "https://api.deepseek.com/v1", "gpt-4o").Name)
	assert.Equal(t, "openai", Detect("", "sk-x", "", "gpt-4o").Name)
	assert.Nil(t, Detect("", "", "", "mystery"))
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "deepseek-chat", FindByName("deepseek").ResolveModel("deepseek/deepseek-chat"))
	assert.Equal(t, "openai/gpt-4o", FindByName("openrouter").ResolveModel("openai/gpt-4o"))

	var nilSpec *ProviderSpec
	assert.Equal(t, "x/y", nilSpec.ResolveModel("x/y"))
}

// --- Echo ---

func TestEcho_Generate(t *testing.T) {
	resp, err := Echo{}.Generate(context.Background(), Request{
		Persona: session.DefaultPersona(),
		History: []session.Turn{
			{Role: session.RoleUser, Content: "first"},
			{Role: session.RoleAssistant, Content: "reply"},
			{Role: session.RoleUser, Content: "hi there"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello! I'm Maya, and I received your message: 'hi there'", resp.Text)
	assert.Equal(t, EchoModel, resp.Model)
}

func TestEcho_RespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Echo{}.Generate(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Dynamic ---

type fixedGenerator struct{ model string }

func (f fixedGenerator) Model() string { return f.model }
func (f fixedGenerator) Generate(context.Context, Request) (Response, error) {
	return Response{Text: "from " + f.model, Model: f.model}, nil
}

func TestDynamicGenerator_Swap(t *testing.T) {
	d := NewDynamicGenerator(fixedGenerator{"a"})
	assert.Equal(t, "a", d.Model())

	d.Swap(fixedGenerator{"b"})
	resp, err := d.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
}

type speakingGenerator struct{ fixedGenerator }

func (speakingGenerator) Synthesize(_ context.Context, text, voice string) (Speech, error) {
	return Speech{Voice: voice, Format: "mp3", Audio: []byte(text)}, nil
}

func TestDynamicGenerator_SynthesizeFollowsSwap(t *testing.T) {
	d := NewDynamicGenerator(fixedGenerator{"a"})
	_, err := d.Synthesize(context.Background(), "hi", "v")
	assert.ErrorIs(t, err, ErrSpeechUnsupported)

	d.Swap(speakingGenerator{fixedGenerator{"b"}})
	speech, err := d.Synthesize(context.Background(), "hi", "v")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), speech.Audio)

	d.Swap(fixedGenerator{"c"})
	_, err = d.Synthesize(context.Background(), "hi", "v")
	assert.ErrorIs(t, err, ErrSpeechUnsupported)
}

func TestDynamicGenerator_ConcurrentSwap(t *testing.T) {
	d := NewDynamicGenerator(fixedGenerator{"a"})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Generate(context.Background(), Request{})
		}()
		go func() {
			defer wg.Done()
			d.Swap(fixedGenerator{"b"})
		}()
	}
	wg.Wait()
	assert.Equal(t, "b", d.Model())
}

// --- OpenAI-compatible backend ---

func chatServer(t *testing.T, captured *map[string]any, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
			return
		}
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi from the model"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Generate(t *testing.T) {
	var captured map[string]any
	srv := chatServer(t, &captured, http.StatusOK)

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", APIBase: srv.URL + "/v1", Model: "test-model", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "test-model", gen.Model())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := gen.Generate(ctx, Request{
		Persona: session.DefaultPersona(),
		History: []session.Turn{{Role: session.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi from the model", resp.Text)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 17, resp.TokensUsed)

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Contains(t, msgs[0].(map[string]any)["content"], "Maya")
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
	assert.EqualValues(t, 64, captured["max_tokens"])
}

func TestOpenAI_GenerateTrimsLongHistory(t *testing.T) {
	var captured map[string]any
	srv := chatServer(t, &captured, http.StatusOK)

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", APIBase: srv.URL + "/v1", Model: "test-model", ContextSize: 1000})
	require.NoError(t, err)

	var history []session.Turn
	for i := 0; i < 20; i++ {
		history = append(history, session.Turn{Role: session.RoleUser, Content: strings.Repeat("x", 200)})
	}
	history = append(history, session.Turn{Role: session.RoleUser, Content: "latest"})

	_, err = gen.Generate(context.Background(), Request{Persona: session.DefaultPersona(), History: history})
	require.NoError(t, err)

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	assert.Less(t, len(msgs), len(history)+1)
	assert.Equal(t, "latest", msgs[len(msgs)-1].(map[string]any)["content"])
	assert.EqualValues(t, 1, gen.GuardStats()["trimCount"])
}

func TestBuild(t *testing.T) {
	g, err := Build(OpenAIConfig{})
	require.NoError(t, err)
	assert.Equal(t, EchoModel, g.Model())

	g, err = Build(OpenAIConfig{Provider: "echo"})
	require.NoError(t, err)
	assert.IsType(t, Echo{}, g)

	g, err = Build(OpenAIConfig{Provider: "deepseek", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, g)
}

func TestOpenAI_GenerateError(t *testing.T) {
	srv := chatServer(t, nil, http.StatusBadRequest)

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", APIBase: srv.URL + "/v1", Model: "test-model"})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), Request{History: []session.Turn{{Role: session.RoleUser, Content: "x"}}})
	assert.Error(t, err)
}

func TestOpenAI_MissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")
	_, err := NewOpenAI(OpenAIConfig{Model: "deepseek-chat"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestOpenAI_KeyFromEnv(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "from-env")
	gen, err := NewOpenAI(OpenAIConfig{Model: "deepseek/deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", gen.Model())
	assert.Equal(t, "DeepSeek", gen.Provider())
}

func TestOpenAI_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "hello", body["input"])
		assert.Equal(t, "alloy", body["voice"])
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	gen, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", APIBase: srv.URL + "/v1"})
	require.NoError(t, err)

	speech, err := gen.Synthesize(context.Background(), "hello", "default")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), speech.Audio)
	assert.Equal(t, "mp3", speech.Format)
}

func TestSystemPrompt(t *testing.T) {
	assert.Empty(t, SystemPrompt(session.Persona{}))

	prompt := SystemPrompt(session.Persona{Name: "Maya", Personality: "Warm.", Language: "zh-CN"})
	assert.Contains(t, prompt, "You are Maya")
	assert.Contains(t, prompt, "Warm.")
	assert.Contains(t, prompt, "zh-CN")
}

func TestRequest_LastInput(t *testing.T) {
	r := Request{History: []session.Turn{
		{Role: session.RoleUser, Content: "a"},
		{Role: session.RoleAssistant, Content: "b"},
	}}
	assert.Equal(t, "a", r.LastInput())
	assert.Empty(t, Request{}.LastInput())
}
