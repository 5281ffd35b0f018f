package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	apperrors "github.com/llmrelay/relay/pkg/errors"
)

func init() {
	RegisterFactory("qwen-oauth", func(name string, logger *zap.Logger) Connector {
		return NewQwenOAuth(name, logger)
	})
}

const (
	qwenTokenURL       = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenClientID       = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	// refreshSkew triggers refresh before the token actually expires.
	refreshSkew = 30 * time.Second
)

// OAuthCredentials is the on-disk token file shape.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiryDate   int64  `json:"expiry_date"` // ms since epoch
	ResourceURL  string `json:"resource_url,omitempty"`
}

// Expired reports whether the token needs refreshing at time now.
func (c *OAuthCredentials) Expired(now time.Time) bool {
	expiry := time.UnixMilli(c.ExpiryDate)
	return !now.Before(expiry.Add(-refreshSkew))
}

// validate returns the structural problems of a credential set.
func (c *OAuthCredentials) validate(now time.Time) []string {
	var problems []string
	if c.AccessToken == "" {
		problems = append(problems, "access_token is empty")
	}
	if c.RefreshToken == "" {
		problems = append(problems, "refresh_token is empty")
	}
	if c.ExpiryDate <= 0 {
		problems = append(problems, "expiry_date is missing")
	} else if time.UnixMilli(c.ExpiryDate).Before(now) && c.RefreshToken == "" {
		problems = append(problems, "token expired with no refresh_token")
	}
	return problems
}

// QwenOAuth layers the OAuth credential lifecycle on the
// OpenAI-compatible base: startup validation, skewed refresh with
// single-flight, atomic write-back and file watching.
type QwenOAuth struct {
	*OpenAICompatible

	credsPath string
	now       func() time.Time

	credsMu    sync.Mutex
	creds      *OAuthCredentials
	functional bool
	problems   []string

	refreshMu sync.Mutex // single-flight for token refresh

	oauthCfg *oauth2.Config

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	healthChecked bool
	logger        *zap.Logger
}

// NewQwenOAuth builds a connector reading ~/.qwen/oauth_creds.json.
func NewQwenOAuth(name string, logger *zap.Logger) *QwenOAuth {
	base := NewOpenAICompatible(name, qwenDefaultBaseURL, logger)
	q := &QwenOAuth{
		OpenAICompatible: base,
		now:              time.Now,
		stopCh:           make(chan struct{}),
		oauthCfg: &oauth2.Config{
			ClientID: qwenClientID,
			Endpoint: oauth2.Endpoint{TokenURL: qwenTokenURL},
		},
		logger: logger.With(zap.String("backend", name)),
	}
	base.SetTokenSource(q.accessToken)
	return q
}

var _ Connector = (*QwenOAuth)(nil)

// Initialize loads and validates the credential file, then starts the
// watcher. A broken file marks the connector non-functional instead of
// failing startup.
func (q *QwenOAuth) Initialize(params Params) error {
	if err := q.OpenAICompatible.Initialize(params); err != nil {
		return err
	}
	if path, ok := params.Extra["credentials_path"]; ok && path != "" {
		q.credsPath = path
	}
	if q.credsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return apperrors.NewInternalError("resolve home directory", err)
		}
		q.credsPath = filepath.Join(home, ".qwen", "oauth_creds.json")
	}
	if params.Extra["token_url"] != "" {
		q.oauthCfg.Endpoint.TokenURL = params.Extra["token_url"]
	}

	q.reload()
	q.startWatching()
	return nil
}

// Close stops the file watcher.
func (q *QwenOAuth) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		if q.watcher != nil {
			q.watcher.Close()
		}
	})
}

func (q *QwenOAuth) IsFunctional() bool {
	q.credsMu.Lock()
	defer q.credsMu.Unlock()
	return q.functional
}

// Problems lists the validation failures of the current credential file.
func (q *QwenOAuth) Problems() []string {
	q.credsMu.Lock()
	defer q.credsMu.Unlock()
	return append([]string(nil), q.problems...)
}

// reload reads and re-validates the credential file, updating the
// functional flag and the API base URL.
func (q *QwenOAuth) reload() {
	creds, err := q.readCredentials()

	q.credsMu.Lock()
	defer q.credsMu.Unlock()

	if err != nil {
		q.creds = nil
		q.functional = false
		q.problems = []string{err.Error()}
		q.logger.Warn("OAuth credentials unusable", zap.Error(err))
		return
	}

	problems := creds.validate(q.now())
	q.creds = creds
	q.problems = problems
	q.functional = len(problems) == 0
	if !q.functional {
		q.logger.Warn("OAuth credentials failed validation",
			zap.Strings("problems", problems),
		)
		return
	}
	q.applyResourceURL(creds.ResourceURL)
}

func (q *QwenOAuth) readCredentials() (*OAuthCredentials, error) {
	data, err := os.ReadFile(q.credsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var creds OAuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return &creds, nil
}

// applyResourceURL re-points the API base at the tenant endpoint named
// by the credential file. Held under credsMu by callers.
func (q *QwenOAuth) applyResourceURL(resource string) {
	if resource == "" {
		return
	}
	if !strings.Contains(resource, "://") {
		resource = "https://" + resource
	}
	parsed, err := url.Parse(resource)
	if err != nil {
		q.logger.Warn("Invalid resource_url in credentials", zap.String("resource_url", resource))
		return
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/v1"
	}
	q.SetBaseURL(parsed.String())
}

// accessToken is the per-call token source: it validates, refreshes
// when within the skew window and returns the current bearer token.
func (q *QwenOAuth) accessToken(ctx context.Context) (string, error) {
	q.credsMu.Lock()
	creds := q.creds
	functional := q.functional
	q.credsMu.Unlock()

	if !functional || creds == nil {
		return "", apperrors.NewBackendError("No valid OAuth credentials", 0)
	}
	if !creds.Expired(q.now()) {
		return creds.AccessToken, nil
	}
	return q.refresh(ctx)
}

// refresh drives the single-flight token exchange. The first caller
// refreshes; the rest block on the mutex and reuse its result.
func (q *QwenOAuth) refresh(ctx context.Context) (string, error) {
	q.refreshMu.Lock()
	defer q.refreshMu.Unlock()

	// Another caller may have finished the refresh while we waited.
	q.credsMu.Lock()
	creds := q.creds
	q.credsMu.Unlock()
	if creds == nil {
		return "", apperrors.NewBackendError("No valid OAuth credentials", 0)
	}
	if !creds.Expired(q.now()) {
		return creds.AccessToken, nil
	}

	q.logger.Info("Refreshing OAuth token")
	src := q.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return "", apperrors.NewAuthenticationError(fmt.Sprintf("OAuth token refresh failed: %v", err))
	}

	updated := &OAuthCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiryDate:   token.Expiry.UnixMilli(),
		ResourceURL:  creds.ResourceURL,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = creds.RefreshToken
	}
	if resource, ok := token.Extra("resource_url").(string); ok && resource != "" {
		updated.ResourceURL = resource
	}

	if err := q.writeCredentials(updated); err != nil {
		q.logger.Error("Failed to persist refreshed credentials", zap.Error(err))
	}

	q.credsMu.Lock()
	q.creds = updated
	q.functional = true
	q.problems = nil
	q.applyResourceURL(updated.ResourceURL)
	q.credsMu.Unlock()

	return updated.AccessToken, nil
}

// writeCredentials persists atomically: write a sibling temp file, then
// rename over the original so the watcher never sees a torn write.
func (q *QwenOAuth) writeCredentials(creds *OAuthCredentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.credsPath)
	tmp, err := os.CreateTemp(dir, ".oauth_creds-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, q.credsPath)
}

// startWatching observes the credential file for external changes,
// falling back to mtime polling when inotify is unavailable.
func (q *QwenOAuth) startWatching() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		q.logger.Warn("File watcher unavailable, falling back to polling", zap.Error(err))
		go q.pollLoop()
		return
	}
	// Watch the directory: editors and atomic renames replace the file
	// inode, which a file-level watch would lose.
	if err := watcher.Add(filepath.Dir(q.credsPath)); err != nil {
		watcher.Close()
		q.logger.Warn("Cannot watch credentials directory, falling back to polling", zap.Error(err))
		go q.pollLoop()
		return
	}
	q.watcher = watcher

	go func() {
		for {
			select {
			case <-q.stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(q.credsPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				q.logger.Info("Credentials file changed, reloading")
				q.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				q.logger.Warn("Credentials watcher error", zap.Error(err))
			}
		}
	}()
}

// pollLoop is the mtime-based fallback watcher.
func (q *QwenOAuth) pollLoop() {
	var lastMod time.Time
	if info, err := os.Stat(q.credsPath); err == nil {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(q.credsPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				q.logger.Info("Credentials file changed, reloading")
				q.reload()
			}
		}
	}
}

// HealthCheck probes GET /models once with the current token. Disabled
// via DISABLE_HEALTH_CHECKS for tests and offline use.
func (q *QwenOAuth) HealthCheck(ctx context.Context) error {
	if os.Getenv("DISABLE_HEALTH_CHECKS") != "" {
		return nil
	}
	if q.healthChecked {
		return nil
	}
	if _, err := q.RefreshModels(ctx); err != nil {
		return err
	}
	q.healthChecked = true
	return nil
}
