package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(scope string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware([]byte("secret"), scope))
	r.POST("/deals", func(c *gin.Context) { c.JSON(200, gin.H{"subject": c.GetString(ContextSubjectKey)}) })
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/deals", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	signed, err := IssueJWT("selector", nil, []byte("other"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deals", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	newRouter("").ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareEnforcesScope(t *testing.T) {
	signed, err := IssueJWT("selector", []string{"deals:read"}, []byte("secret"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deals", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	newRouter("deals:write").ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	signed, err := IssueJWT("selector", []string{"deals:write"}, []byte("secret"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deals", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	newRouter("deals:write").ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestExtractBearer(t *testing.T) {
	if got := ExtractBearer("bearer abc "); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := ExtractBearer("Basic abc"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
