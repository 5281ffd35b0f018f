package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

func chatReq(stream bool) *entity.ChatRequest {
	return &entity.ChatRequest{
		Model:  "test-model",
		Stream: stream,
		Messages: []entity.ChatMessage{
			{Role: "user", Content: "hello"},
		},
	}
}

func completionBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]interface{}{"role": "assistant", "content": "hi"},
				"finish_reason": "stop",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestOpenAICompatibleBuffered(t *testing.T) {
	var gotAuth, gotReferer, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody(t))
	}))
	defer srv.Close()

	c := NewOpenAICompatible("test", srv.URL, zap.NewNop())
	if err := c.Initialize(Params{BaseURL: srv.URL, APIKey: "sk-test"}); err != nil {
		t.Fatal(err)
	}

	identity := &Identity{Referer: "https://example.test", Title: "relay"}
	env, err := c.ChatCompletions(context.Background(), chatReq(false), "test-model", identity)
	if err != nil {
		t.Fatal(err)
	}
	if env.IsStreaming() {
		t.Fatal("expected buffered envelope")
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotReferer != "https://example.test" || gotTitle != "relay" {
		t.Fatalf("identity headers = %q / %q", gotReferer, gotTitle)
	}
	if got := env.Response.Choices[0].Message.TextContent(); got != "hi" {
		t.Fatalf("content = %q", got)
	}

	// nil identity clears the attribution headers on the next call
	if _, err := c.ChatCompletions(context.Background(), chatReq(false), "test-model", nil); err != nil {
		t.Fatal(err)
	}
	if gotReferer != "" || gotTitle != "" {
		t.Fatalf("identity headers not cleared: %q / %q", gotReferer, gotTitle)
	}
}

func TestOpenAICompatibleStatusMapping(t *testing.T) {
	cases := []struct {
		status  int
		code    apperrors.ErrorCode
		retries bool
	}{
		{http.StatusUnauthorized, apperrors.CodeAuthentication, false},
		{http.StatusForbidden, apperrors.CodeAuthentication, false},
		{http.StatusBadGateway, apperrors.CodeServiceUnavailable, true},
		{http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, true},
		{http.StatusTooManyRequests, apperrors.CodeBackend, true},
		{http.StatusInternalServerError, apperrors.CodeBackend, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"nope"}`))
		}))
		c := NewOpenAICompatible("test", srv.URL, zap.NewNop())
		if err := c.Initialize(Params{BaseURL: srv.URL, APIKey: "sk-test"}); err != nil {
			t.Fatal(err)
		}
		_, err := c.ChatCompletions(context.Background(), chatReq(false), "test-model", nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		appErr, ok := err.(*apperrors.AppError)
		if !ok {
			t.Fatalf("status %d: error type %T", tc.status, err)
		}
		if appErr.Code != tc.code {
			t.Fatalf("status %d: code = %s, want %s", tc.status, appErr.Code, tc.code)
		}
		if apperrors.IsRetryable(err) != tc.retries {
			t.Fatalf("status %d: retryable = %v", tc.status, !tc.retries)
		}
	}
}

func TestOpenAICompatibleStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		var payload map[string]interface{}
		json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["stream_options"]; !ok {
			t.Error("stream_options missing from streaming payload")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewOpenAICompatible("test", srv.URL, zap.NewNop())
	if err := c.Initialize(Params{BaseURL: srv.URL, APIKey: "sk-test"}); err != nil {
		t.Fatal(err)
	}
	env, err := c.ChatCompletions(context.Background(), chatReq(true), "test-model", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !env.IsStreaming() {
		t.Fatal("expected streaming envelope")
	}
	var collected strings.Builder
	for chunk := range env.Stream {
		collected.Write(chunk)
	}
	if !strings.Contains(collected.String(), "data: [DONE]") {
		t.Fatalf("stream output = %q", collected.String())
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAICompatible("test", srv.URL, zap.NewNop())
	c.breaker = NewBreaker(3, time.Minute)
	if err := c.Initialize(Params{BaseURL: srv.URL, APIKey: "sk-test"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.ChatCompletions(context.Background(), chatReq(false), "test-model", nil); err == nil {
			t.Fatal("expected upstream error")
		}
	}
	if c.breaker.State() != BreakerOpen {
		t.Fatalf("breaker state = %s, want open", c.breaker.State())
	}
	_, err := c.ChatCompletions(context.Background(), chatReq(false), "test-model", nil)
	appErr, ok := err.(*apperrors.AppError)
	if !ok || appErr.Code != apperrors.CodeServiceUnavailable {
		t.Fatalf("open circuit error = %v", err)
	}
	if c.IsFunctional() {
		t.Fatal("open circuit should report non-functional")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond)
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}
	if b.Allow() {
		t.Fatal("open circuit allowed a call before the recovery timeout")
	}
	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe call not allowed after recovery timeout")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestRegistryDuplicateFails(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	c := NewOpenAICompatible("dup", "http://localhost", zap.NewNop())
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(c); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if got := reg.RegisteredBackends(); len(got) != 1 || got[0] != "dup" {
		t.Fatalf("backends = %v", got)
	}
}

func TestCreateConnectorUnknownType(t *testing.T) {
	if _, err := CreateConnector("no-such-type", "x", zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown type")
	}
	c, err := CreateConnector("openai", "primary", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "primary" {
		t.Fatalf("name = %q", c.Name())
	}
}

// --- Qwen OAuth lifecycle ---

func writeCredsFile(t *testing.T, path string, creds OAuthCredentials) {
	t.Helper()
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func newQwenForTest(t *testing.T, credsPath, apiURL, tokenURL string) *QwenOAuth {
	t.Helper()
	q := NewQwenOAuth("qwen", zap.NewNop())
	err := q.Initialize(Params{
		BaseURL: apiURL,
		Extra: map[string]string{
			"credentials_path": credsPath,
			"token_url":        tokenURL,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestQwenRefreshesExpiredToken(t *testing.T) {
	var refreshCount int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		atomic.AddInt64(&refreshCount, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	var gotAuth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody(t))
	}))
	defer apiSrv.Close()

	credsPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(-10 * time.Second).UnixMilli(),
	})

	q := newQwenForTest(t, credsPath, apiSrv.URL, tokenSrv.URL)
	if !q.IsFunctional() {
		t.Fatalf("connector not functional: %v", q.Problems())
	}

	if _, err := q.ChatCompletions(context.Background(), chatReq(false), "qwen3-coder", nil); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&refreshCount); n != 1 {
		t.Fatalf("refresh count = %d, want 1", n)
	}
	if gotAuth != "Bearer access-2" {
		t.Fatalf("Authorization = %q, want refreshed token", gotAuth)
	}

	// refreshed credentials were written back atomically
	data, err := os.ReadFile(credsPath)
	if err != nil {
		t.Fatal(err)
	}
	var persisted OAuthCredentials
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "access-2" || persisted.RefreshToken != "refresh-2" {
		t.Fatalf("persisted creds = %+v", persisted)
	}
	if persisted.ExpiryDate <= time.Now().UnixMilli() {
		t.Fatalf("persisted expiry %d not in the future", persisted.ExpiryDate)
	}

	// second call reuses the cached token without a second exchange
	if _, err := q.ChatCompletions(context.Background(), chatReq(false), "qwen3-coder", nil); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&refreshCount); n != 1 {
		t.Fatalf("refresh count after second call = %d, want 1", n)
	}
}

func TestQwenFreshTokenSkipsRefresh(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called for a fresh token")
	}))
	defer tokenSrv.Close()

	var gotAuth string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody(t))
	}))
	defer apiSrv.Close()

	credsPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken:  "fresh-token",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})

	q := newQwenForTest(t, credsPath, apiSrv.URL, tokenSrv.URL)
	if _, err := q.ChatCompletions(context.Background(), chatReq(false), "qwen3-coder", nil); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer fresh-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestQwenInvalidCredentialsNonFunctional(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken: "",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	})

	q := newQwenForTest(t, credsPath, "http://localhost:0", "http://localhost:0")
	if q.IsFunctional() {
		t.Fatal("connector with empty tokens should be non-functional")
	}
	_, err := q.ChatCompletions(context.Background(), chatReq(false), "qwen3-coder", nil)
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if !strings.Contains(appErr.Message, "No valid OAuth credentials") {
		t.Fatalf("message = %q", appErr.Message)
	}
}

func TestQwenMissingFileNonFunctional(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "missing.json")
	q := newQwenForTest(t, credsPath, "http://localhost:0", "http://localhost:0")
	if q.IsFunctional() {
		t.Fatal("connector without credentials file should be non-functional")
	}
	if len(q.Problems()) == 0 {
		t.Fatal("expected a recorded problem")
	}
}

func TestQwenReloadOnFileChange(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken: "only-access",
	})

	q := newQwenForTest(t, credsPath, "http://localhost:0", "http://localhost:0")
	if q.IsFunctional() {
		t.Fatal("initial credentials should fail validation")
	}

	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken:  "access-new",
		RefreshToken: "refresh-new",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for !q.IsFunctional() {
		if time.Now().After(deadline) {
			t.Fatal("connector did not pick up the rewritten credentials file")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQwenResourceURLRepointsBase(t *testing.T) {
	credsPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeCredsFile(t, credsPath, OAuthCredentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
		ResourceURL:  "portal.qwen.ai",
	})

	q := newQwenForTest(t, credsPath, "", "http://localhost:0")
	if got := q.baseURL; got != "https://portal.qwen.ai/v1" {
		t.Fatalf("baseURL = %q", got)
	}
}
