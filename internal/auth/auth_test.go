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

func TestIssueAndParse(t *testing.T) {
	s := NewSigner("darul-irshad", "secret", time.Hour, 24*time.Hour)
	pair, err := s.Issue("tablet-1", RoleDevice)
	require.NoError(t, err)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := s.Parse(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tablet-1", claims.Subject)
	assert.Equal(t, RoleDevice, claims.Role)
}

func TestParseRejectsWrongKeyAndIssuer(t *testing.T) {
	s := NewSigner("darul-irshad", "secret", time.Hour, time.Hour)
	pair, err := s.Issue("tablet-1", RoleDevice)
	require.NoError(t, err)

	_, err = NewSigner("darul-irshad", "other", time.Hour, time.Hour).Parse(pair.AccessToken)
	assert.Error(t, err)
	_, err = NewSigner("someone-else", "secret", time.Hour, time.Hour).Parse(pair.AccessToken)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	s := NewSigner("darul-irshad", "secret", time.Minute, time.Minute)
	s.now = func() time.Time { return time.Now().Add(-time.Hour) }
	pair, err := s.Issue("tablet-1", RoleDevice)
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Parse(pair.AccessToken)
	assert.Error(t, err)
}

func TestBearerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewSigner("darul-irshad", "secret", time.Hour, time.Hour)
	r := gin.New()
	r.GET("/x", BearerAuth(s), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	pair, err := s.Issue("tablet-1", RoleDevice)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tablet-1", w.Body.String())
}
