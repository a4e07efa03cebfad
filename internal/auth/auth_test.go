package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-key"
	testIssuer = "liveclass"
)

func init() { gin.SetMode(gin.TestMode) }

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := Issue(subject, role, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestIssueAndParse(t *testing.T) {
	claims, err := Parse(token(t, "ana", RoleParticipant), testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "ana", claims.Subject)
	assert.False(t, claims.IsOperator())

	_, err = Parse(token(t, "ana", RoleParticipant), "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(token(t, "ana", RoleParticipant), testKey, "someone-else")
	assert.Error(t, err)
	_, err = Parse(token(t, "ana", "admin"), testKey, testIssuer)
	assert.Error(t, err)

	expired, _, err := Issue("ana", RoleOperator, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testKey, testIssuer)
	assert.Error(t, err)
}

func newRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(Authenticate(cfg))
	r.GET("/read", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/admin", Require(RoleOperator), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/act/:pid", func(c *gin.Context) {
		if !CanActFor(c, c.Param("pid")) {
			c.Status(http.StatusForbidden)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func do(r http.Handler, method, path, tok string) int {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestMiddlewareRoles(t *testing.T) {
	r := newRouter(Config{SigningKey: testKey, Issuer: testIssuer})
	op := token(t, "olga", RoleOperator)
	ana := token(t, "ana", RoleParticipant)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", ""))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/read", "garbage"))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/read", ana))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/read?access_token="+ana, ""))

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/admin", ana))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/admin", op))

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/act/ana", ana))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/act/ben", ana))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/act/ben", op))
}

func TestDisabledAuthActsAsOperator(t *testing.T) {
	r := newRouter(Config{Disabled: true})
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/admin", ""))
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/act/anyone", ""))
}
