package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/application"
	"github.com/llmrelay/relay/internal/domain/command"
	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/domain/reactor"
	"github.com/llmrelay/relay/internal/domain/service"
	"github.com/llmrelay/relay/internal/domain/session"
	"github.com/llmrelay/relay/internal/infrastructure/connector"
)

type echoConnector struct {
	name   string
	models []string
	stream chan []byte
}

func (e *echoConnector) Name() string                             { return e.name }
func (e *echoConnector) Initialize(connector.Params) error        { return nil }
func (e *echoConnector) AvailableModels(context.Context) []string { return e.models }
func (e *echoConnector) RefreshModels(context.Context) ([]string, error) {
	return e.models, nil
}
func (e *echoConnector) IsFunctional() bool { return true }

func (e *echoConnector) ChatCompletions(_ context.Context, req *entity.ChatRequest, effectiveModel string, _ *connector.Identity) (*connector.Envelope, error) {
	if req.Stream && e.stream != nil {
		return &connector.Envelope{Stream: e.stream, MediaType: "text/event-stream", StatusCode: 200}, nil
	}
	return &connector.Envelope{
		Response: &entity.ChatResponse{
			ID:      "chatcmpl-echo",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   effectiveModel,
			Choices: []entity.Choice{{
				Message:      entity.ChatMessage{Role: entity.RoleAssistant, Content: "echo: " + req.LastUserText()},
				FinishReason: "stop",
			}},
			Usage: &entity.Usage{TotalTokens: 2},
		},
		StatusCode: 200,
	}, nil
}

func newTestRouter(t *testing.T, conns ...connector.Connector) (*gin.Engine, *connector.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	registry := connector.NewRegistry(logger)
	for _, c := range conns {
		if err := registry.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	cmdRegistry := command.NewRegistry()
	if err := command.RegisterBuiltins(cmdRegistry, registry); err != nil {
		t.Fatal(err)
	}

	pipeline := application.NewPipeline(
		application.PipelineConfig{DefaultBackend: "stub", DefaultModel: "m1"},
		session.NewService(0, logger),
		command.NewProcessor(command.NewParser("!/"), cmdRegistry, logger),
		service.NewRequestChain(logger, service.NewFailoverExpander(logger)),
		service.NewResponseChain(logger, service.NewReactorMiddleware(reactor.New(logger), logger)),
		registry, nil, logger,
	)

	h := NewProxyHandler(pipeline, registry, logger)
	router := gin.New()
	router.POST("/v1/chat/completions", h.ChatCompletions)
	router.POST("/v1/messages", h.AnthropicMessages)
	router.POST("/v1/responses", h.Responses)
	router.GET("/v1/models", h.ListModels)
	router.POST("/v1beta/models/:modelAction", h.GeminiGenerate)
	return router, registry
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestChatCompletionsBuffered(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub", models: []string{"m1"}})

	w := doJSON(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"stub:m1","messages":[{"role":"user","content":"hello"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "echo: hello") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub"})

	w := doJSON(router, http.MethodPost, "/v1/chat/completions", `{"model":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid_request") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatCompletionsUnknownBackend(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub"})

	w := doJSON(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"nosuch:m","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	stream := make(chan []byte, 2)
	stream <- []byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	stream <- []byte("data: [DONE]\n\n")
	close(stream)
	router, _ := newTestRouter(t, &echoConnector{name: "stub", stream: stream})

	w := doJSON(router, http.MethodPost, "/v1/chat/completions",
		`{"model":"stub:m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "partial") || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("body = %s", body)
	}
}

func TestAnthropicMessagesBuffered(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub"})

	w := doJSON(router, http.MethodPost, "/v1/messages",
		`{"model":"stub:m1","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "echo: hello") {
		t.Fatalf("body = %s", body)
	}
}

func TestGeminiGenerateBuffered(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub"})

	w := doJSON(router, http.MethodPost, "/v1beta/models/gemini-pro:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "candidates") || !strings.Contains(body, "echo: hello") {
		t.Fatalf("body = %s", body)
	}
}

func TestGeminiGenerateUnknownVerb(t *testing.T) {
	router, _ := newTestRouter(t, &echoConnector{name: "stub"})

	w := doJSON(router, http.MethodPost, "/v1beta/models/gemini-pro:tokenize", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListModels(t *testing.T) {
	router, _ := newTestRouter(t,
		&echoConnector{name: "stub", models: []string{"m1", "m2"}},
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"stub:m1"`, `"stub:m2"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in %s", want, body)
		}
	}
}

func TestResolveSessionIDPrecedence(t *testing.T) {
	newCtx := func() *gin.Context {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		return c
	}

	c := newCtx()
	c.Request.Header.Set("X-Session-Id", "from-header")
	c.Request.AddCookie(&http.Cookie{Name: "session_id", Value: "from-cookie"})
	if got := resolveSessionID(c, "from-body"); got != "from-body" {
		t.Fatalf("got %q, want body id", got)
	}

	c = newCtx()
	c.Request.Header.Set("X-Session-Id", "from-header")
	c.Request.AddCookie(&http.Cookie{Name: "session_id", Value: "from-cookie"})
	if got := resolveSessionID(c, ""); got != "from-header" {
		t.Fatalf("got %q, want header id", got)
	}

	c = newCtx()
	c.Request.AddCookie(&http.Cookie{Name: "session_id", Value: "from-cookie"})
	if got := resolveSessionID(c, ""); got != "from-cookie" {
		t.Fatalf("got %q, want cookie id", got)
	}

	c = newCtx()
	if got := resolveSessionID(c, ""); got == "" {
		t.Fatal("expected a generated session id")
	}
}
