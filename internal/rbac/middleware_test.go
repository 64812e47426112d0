package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-signaling/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(t *testing.T, userID, role string, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, "", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })

	r := gin.New()
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serveAs(t, "u", RoleAdmin, RequireIdentity(), RequireAnyRole(RoleDoctor)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesOtherRoles(t *testing.T) {
	if code := serveAs(t, "u", RolePatient, RequireIdentity(), RequireAnyRole(RoleDoctor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(t, "u", RoleDoctor, RequireIdentity(), RequireAnyRole(RoleDoctor)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireIdentity(t *testing.T) {
	if code := serveAs(t, "", RolePatient, RequireIdentity()); code != 401 {
		t.Fatalf("expected 401 without user, got %d", code)
	}
	if code := serveAs(t, "u", "super_admin", RequireIdentity()); code != 403 {
		t.Fatalf("expected 403 for unknown role, got %d", code)
	}
}

func TestCanAccessParty(t *testing.T) {
	cases := []struct {
		role, caller string
		parties      []string
		want         bool
	}{
		{RolePatient, "p1", []string{"p1", "d1"}, true},
		{RoleDoctor, "d2", []string{"p1", "d1"}, false},
		{RoleAdmin, "a1", []string{"p1", "d1"}, true},
		{RolePatient, "", []string{"", "d1"}, false},
	}
	for _, tc := range cases {
		if got := CanAccessParty(tc.role, tc.caller, tc.parties...); got != tc.want {
			t.Fatalf("CanAccessParty(%q, %q, %v) = %v, want %v", tc.role, tc.caller, tc.parties, got, tc.want)
		}
	}
}
