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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/domain/entity"
	"github.com/llmrelay/relay/internal/infrastructure/translation"
	apperrors "github.com/llmrelay/relay/pkg/errors"
)

func init() {
	RegisterFactory("gemini", func(name string, logger *zap.Logger) Connector {
		return NewGemini(name, logger)
	})
	RegisterFactory("gemini-oauth", func(name string, logger *zap.Logger) Connector {
		g := NewGemini(name, logger)
		g.oauthMode = true
		return g
	})
}

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini speaks the generateContent dialect. The public variant
// authenticates with x-goog-api-key; the OAuth variant substitutes a
// bearer token with project-scoped tenancy headers.
type Gemini struct {
	name      string
	baseURL   string
	apiKey    string
	oauthMode bool
	token     tokenSource
	projectID string

	modelsMu sync.RWMutex
	models   []string

	client *http.Client
	logger *zap.Logger
}

// NewGemini builds a public-API Gemini connector.
func NewGemini(name string, logger *zap.Logger) *Gemini {
	g := &Gemini{
		name:    name,
		baseURL: defaultGeminiBaseURL,
		logger:  logger.With(zap.String("backend", name)),
	}
	g.token = func(context.Context) (string, error) {
		if g.apiKey == "" {
			return "", apperrors.NewAuthenticationError(fmt.Sprintf("no API key configured for backend %s", g.name))
		}
		return g.apiKey, nil
	}
	return g
}

var _ Connector = (*Gemini)(nil)

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Initialize(params Params) error {
	if params.BaseURL != "" {
		g.baseURL = strings.TrimRight(params.BaseURL, "/")
	}
	if params.APIKey != "" {
		g.apiKey = params.APIKey
	}
	if len(params.Models) > 0 {
		g.setModels(params.Models)
	}
	if params.Extra != nil {
		if project, ok := params.Extra["project_id"]; ok {
			g.projectID = project
		}
	}
	g.client = newHTTPClient(params.Timeout)
	return nil
}

// SetTokenSource installs the OAuth token provider for the oauth variant.
func (g *Gemini) SetTokenSource(src tokenSource) {
	g.token = src
}

func (g *Gemini) IsFunctional() bool {
	return g.apiKey != "" || g.oauthMode
}

func (g *Gemini) AvailableModels(_ context.Context) []string {
	g.modelsMu.RLock()
	defer g.modelsMu.RUnlock()
	return append([]string(nil), g.models...)
}

func (g *Gemini) setModels(models []string) {
	g.modelsMu.Lock()
	defer g.modelsMu.Unlock()
	g.models = append([]string(nil), models...)
}

// RefreshModels queries /v1beta/models.
func (g *Gemini) RefreshModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1beta/models", nil)
	if err != nil {
		return nil, apperrors.NewInternalError("build model discovery request", err)
	}
	if err := g.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unreachable", g.name), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("read model list", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewBackendError(fmt.Sprintf("backend %s model discovery failed", g.name), resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewBackendError("unparseable model list", resp.StatusCode)
	}
	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, translation.NormalizeGeminiModel(m.Name))
	}
	g.setModels(models)
	return models, nil
}

// authorize sets the per-variant auth headers.
func (g *Gemini) authorize(ctx context.Context, httpReq *http.Request) error {
	if g.oauthMode {
		token, err := g.token(ctx)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
		if g.projectID != "" {
			httpReq.Header.Set("X-Goog-User-Project", g.projectID)
		}
		return nil
	}
	if g.apiKey == "" {
		return apperrors.NewAuthenticationError(fmt.Sprintf("no API key configured for backend %s", g.name))
	}
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	return nil
}

// ChatCompletions builds a generateContent call and converts the answer
// back to the canonical OpenAI shape, streaming included.
func (g *Gemini) ChatCompletions(ctx context.Context, req *entity.ChatRequest, effectiveModel string, _ *Identity) (*Envelope, error) {
	model := translation.NormalizeGeminiModel(effectiveModel)
	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", g.baseURL, model, verb)

	payload := translation.ToGeminiPayload(req, g.logger)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError("marshal upstream payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := g.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unreachable", g.name), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, apperrors.NewAuthenticationError(fmt.Sprintf("backend %s rejected credentials: %s", g.name, msg))
		case http.StatusServiceUnavailable:
			return nil, apperrors.NewServiceUnavailableError(fmt.Sprintf("backend %s unavailable: %s", g.name, msg), nil)
		default:
			return nil, apperrors.NewBackendError(fmt.Sprintf("backend %s error: %s", g.name, msg), resp.StatusCode)
		}
	}

	responseID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		return g.streamEnvelope(ctx, resp, effectiveModel, responseID, created), nil
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewServiceUnavailableError("read upstream response", err)
	}
	parsed, err := translation.ParseGeminiResponse(respBody, effectiveModel, responseID, created)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Response:   parsed,
		StatusCode: resp.StatusCode,
		Usage:      parsed.Usage,
	}, nil
}

// streamEnvelope converts the upstream Gemini SSE stream into OpenAI
// chunk frames on the fly.
func (g *Gemini) streamEnvelope(ctx context.Context, resp *http.Response, model, id string, created int64) *Envelope {
	out := make(chan []byte, 8)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer resp.Body.Close()

		conv := translation.NewGeminiStreamConverter(model, id, created, g.logger)
		buf := make([]byte, 4096)
		forward := func(frame []byte) bool {
			select {
			case out <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, frame := range conv.Feed(buf[:n]) {
					if !forward(frame) {
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					forward(conv.Finish())
				} else if ctx.Err() == nil {
					g.logger.Warn("Upstream stream read error", zap.Error(err))
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
