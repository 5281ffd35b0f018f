package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/infrastructure/translation"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

func init() {
	RegisterFactory("openai", func(name string, logger *zap.Logger) Connector {
		return NewOpenAICompatible(name, "https://api.openai.com/v1", logger)
	})
	RegisterFactory("openrouter", func(name string, logger *zap.Logger) Connector {
		return NewOpenAICompatible(name, "https://openrouter.ai/api/v1", logger)
	})
	RegisterFactory("zhipu", func(name string, logger *zap.Logger) Connector {
		return NewOpenAICompatible(name, "https://open.bigmodel.cn/api/paas/v4", logger)
	})
}

// tokenSource supplies the bearer token per call. The static default
// returns the configured API key; OAuth connectors plug in refresh-aware
// sources.
type tokenSource func(ctx context.Context) (string, error)

// OpenAICompatible is the shared client for every backend speaking the
// chat-completions dialect: OpenAI, OpenRouter, ZhipuAI and the OAuth
// variants layered on top.
type OpenAICompatible struct {
	name    string
	baseURL string
	apiKey  string
	token   tokenSource

	modelsMu sync.RWMutex
	models   []string

	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// NewOpenAICompatible builds a connector with the given default base URL.
func NewOpenAICompatible(name, defaultBaseURL string, logger *zap.Logger) *OpenAICompatible {
	c := &OpenAICompatible{
		name:    name,
		baseURL: defaultBaseURL,
		breaker: NewBreaker(5, 30*time.Second),
		logger:  logger.With(zap.String("backend", name)),
	}
	c.token = func(context.Context) (string, error) {
		if c.apiKey == "" {
			return "", apperrors.NewAuthenticationError(fmt.Sprintf("no API key configured for backend %s", c.name))
		}
		return c.apiKey, nil
	}
	return c
}

var _ Connector = (*OpenAICompatible)(nil)

func (c *OpenAICompatible) Name() string { return c.name }

// Initialize stores configuration. Idempotent; later calls overwrite.
func (c *OpenAICompatible) Initialize(params Params) error {
	if params.BaseURL != "" {
		c.baseURL = strings.TrimRight(params.BaseURL, "/")
	}
	if params.APIKey != "" {
		c.apiKey = params.APIKey
	}
	if len(params.Models) > 0 {
		c.setModels(params.Models)
	}
	c.client = newHTTPClient(params.Timeout)
	return nil
}

// SetBaseURL re-points the connector, e.g. from a session's openai-url
// override or an OAuth resource_url.
func (c *OpenAICompatible) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

// SetTokenSource installs a per-call token provider.
func (c *OpenAICompatible) SetTokenSource(src tokenSource) {
	c.token = src
}

func (c *OpenAICompatible) IsFunctional() bool {
	return c.breaker.State() != BreakerOpen && c.apiKey != ""
}

func (c *OpenAICompatible) AvailableModels(_ context.Context) []string {
	c.modelsMu.RLock()
	defer c.modelsMu.RUnlock()
	return append([]string(nil), c.models...)
}

func (c *OpenAICompatible) setModels(models []string) {
	c.modelsMu.Lock()
	defer c.modelsMu.Unlock()
	c.models = append([]string(nil), models...)
}

// RefreshModels queries GET /models and caches the ids.
func (c *OpenAICompatible) RefreshModels(ctx context.Context) ([]string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, apperrors.NewInternalError("build model discovery request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unreachable", c.name), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("read model list", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, body)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewBackendError("unparseable model list", resp.StatusCode)
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	c.setModels(models)
	return models, nil
}

// ChatCompletions issues one upstream call. Streaming requests return a
// live byte channel forwarding the provider's SSE frames.
func (c *OpenAICompatible) ChatCompletions(ctx context.Context, req *entity.ChatRequest, effectiveModel string, identity *Identity) (*Envelope, error) {
	if !c.breaker.Allow() {
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s circuit open", c.name), nil)
	}

	token, err := c.token(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	payload := translation.ToOpenAIPayload(req, effectiveModel)
	if req.Stream {
		payload["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError("marshal upstream payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	applyIdentity(httpReq.Header, identity)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unreachable", c.name), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		c.breaker.RecordFailure()
		return nil, c.statusError(resp.StatusCode, respBody)
	}
	c.breaker.RecordSuccess()

	if req.Stream {
		return c.streamEnvelope(ctx, resp), nil
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("read upstream response", err)
	}
	parsed, err := translation.ParseOpenAIResponse(respBody)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Response:   parsed,
		StatusCode: resp.StatusCode,
		Usage:      parsed.Usage,
	}, nil
}

// streamEnvelope forwards raw upstream bytes. The body closes on ctx
// cancellation or when the upstream finishes; Cancel forces it early.
func (c *OpenAICompatible) streamEnvelope(ctx context.Context, resp *http.Response) *Envelope {
	out := make(chan []byte, 8)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, force-closing upstream stream",
				zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.logger.Warn("Upstream stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	return &Envelope{
		Stream:     out,
		MediaType:  "text/event-stream",
		StatusCode: resp.StatusCode,
		Cancel:     func() { resp.Body.Close() },
	}
}

// statusError maps an upstream non-2xx to the domain taxonomy.
func (c *OpenAICompatible) statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthenticationError(fmt.Sprintf("backend %s rejected credentials: %s", c.name, msg))
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unavailable: %s", c.name, msg), nil)
	default:
		return apperrors.NewBackendError(fmt.Sprintf("backend %s error: %s", c.name, msg), status)
	}
}
