package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func authRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/probe", authMiddleware(apiKey), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func probe(router *gin.Engine, setHeaders func(*http.Request)) int {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if setHeaders != nil {
		setHeaders(req)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	router := authRouter("secret")
	if code := probe(router, nil); code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
}

func TestAuthMiddlewareAcceptsBearer(t *testing.T) {
	router := authRouter("secret")
	code := probe(router, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func TestAuthMiddlewareAcceptsXAPIKey(t *testing.T) {
	router := authRouter("secret")
	code := probe(router, func(r *http.Request) {
		r.Header.Set("x-api-key", "secret")
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func TestAuthMiddlewareRejectsWrongKey(t *testing.T) {
	router := authRouter("secret")
	code := probe(router, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
}

func TestAuthMiddlewareEmptyConfiguredKeyRejectsAll(t *testing.T) {
	router := authRouter("")
	code := probe(router, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer anything")
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d", code)
	}
}

func TestAuthMiddlewareDisabledByEnv(t *testing.T) {
	t.Setenv("DISABLE_AUTH", "1")
	router := authRouter("secret")
	if code := probe(router, nil); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}
