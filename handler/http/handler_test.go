package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"geobatch/src/core/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authRouter(secrets Secrets) *gin.Engine {
	r := gin.New()
	r.Use(Authenticate(secrets))
	r.GET("/whoami", RequireAuth(), func(c *gin.Context) {
		who := identity(c)
		c.JSON(http.StatusOK, gin.H{"uid": who.UID, "admin": who.Admin})
	})
	r.GET("/machine", RequireAuth(), RequireMachine(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestAuthenticateBearer(t *testing.T) {
	secrets := Secrets{JWT: "signing-key", Machine: "fleet-secret"}
	r := authRouter(secrets)

	token := signToken(t, "signing-key", jwt.MapClaims{"u": float64(10), "a": false})

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	secrets := Secrets{JWT: "signing-key"}
	r := authRouter(secrets)

	token := signToken(t, "other-key", jwt.MapClaims{"u": float64(10)})

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthenticateAnonymous(t *testing.T) {
	r := authRouter(Secrets{JWT: "signing-key"})

	req := httptest.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMachineGate(t *testing.T) {
	secrets := Secrets{JWT: "signing-key", Machine: "fleet-secret"}
	r := authRouter(secrets)

	// Shared secret grants machine access
	req := httptest.NewRequest("GET", "/machine", nil)
	req.Header.Set("X-Shared-Secret", "fleet-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("machine status = %d", w.Code)
	}

	// Wrong shared secret is anonymous
	req = httptest.NewRequest("GET", "/machine", nil)
	req.Header.Set("X-Shared-Secret", "guess")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d, want 401", w.Code)
	}

	// Plain user token is forbidden
	token := signToken(t, "signing-key", jwt.MapClaims{"u": float64(10), "a": false})
	req = httptest.NewRequest("GET", "/machine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("user status = %d, want 403", w.Code)
	}

	// Admin token passes the machine gate
	token = signToken(t, "signing-key", jwt.MapClaims{"u": float64(1), "a": true})
	req = httptest.NewRequest("GET", "/machine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d", w.Code)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("no request id assigned")
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "given")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "given" {
		t.Errorf("request id = %q, want the caller's", got)
	}
}

func TestIdentityOwnership(t *testing.T) {
	user := auth.Identity{UID: 10}
	admin := auth.Identity{UID: 1, Admin: true}

	if !user.Owns(10) || user.Owns(11) {
		t.Error("user ownership wrong")
	}
	if !admin.Owns(10) || !admin.Elevated() {
		t.Error("admin ownership wrong")
	}
}
