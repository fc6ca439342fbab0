package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	sessions := NewSessions("s3cret")
	token := sessions.Sign("user-42")

	user, err := sessions.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", user)
}

func TestSessionRejectsForgery(t *testing.T) {
	sessions := NewSessions("s3cret")
	forged := NewSessions("other").Sign("user-42")

	cases := map[string]string{
		"empty":        "",
		"no separator": "dXNlcg",
		"bad base64":   "!!!.abcd",
		"bad hex":      "dXNlcg.zz",
		"wrong secret": forged,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sessions.Verify(token)
			assert.Error(t, err)
		})
	}

	_, err := sessions.Verify("")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	sessions := NewSessions("")
	_, err := sessions.Verify(sessions.Sign("user-1"))
	assert.ErrorIs(t, err, ErrBadSession)
}

func TestAuthenticateReadsBearerThenCookie(t *testing.T) {
	sessions := NewSessions("s3cret")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+sessions.Sign("bearer-user"))
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessions.Sign("cookie-user")})
	user, err := sessions.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "bearer-user", user)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessions.Sign("cookie-user")})
	user, err = sessions.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "cookie-user", user)
}

func TestAgentKey(t *testing.T) {
	assert.True(t, AgentKeyValid("", ""))
	assert.True(t, AgentKeyValid("", "anything"))
	assert.True(t, AgentKeyValid("k", "k"))
	assert.False(t, AgentKeyValid("k", ""))
	assert.False(t, AgentKeyValid("k", "K"))

	r := httptest.NewRequest(http.MethodGet, "/ws/jobs/1?key=from-query", nil)
	assert.Equal(t, "from-query", AgentKey(r))
	r.Header.Set(AgentKeyHeader, "from-header")
	assert.Equal(t, "from-header", AgentKey(r))
}
