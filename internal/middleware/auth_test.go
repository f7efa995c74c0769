package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rewards/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth(t *testing.T) {
	valid, err := auth.GenerateToken("secret", "acc-1", auth.RoleUser, time.Minute)
	require.NoError(t, err)
	expired, err := auth.GenerateToken("secret", "acc-1", auth.RoleUser, -time.Minute)
	require.NoError(t, err)
	foreign, err := auth.GenerateToken("other-secret", "acc-1", auth.RoleUser, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "query token only", query: valid, want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic " + valid, want: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + valid, want: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + valid, want: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := Auth("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = AccountIDFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))
			target := "/"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.want, rr.Code)
			if tc.want == http.StatusNoContent {
				assert.Equal(t, "acc-1", seen)
			}
		})
	}
}

func TestClaimsRoundTrip(t *testing.T) {
	_, ok := ClaimsFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)

	ctx := WithClaims(httptest.NewRequest(http.MethodGet, "/", nil).Context(), auth.Claims{AccountID: "op-1", Role: auth.RoleOperator})
	claims, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.True(t, claims.IsOperator())
	accountID, ok := AccountIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "op-1", accountID)
}

func TestBearerTokenFallsBackToQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/balances?token=abc", nil)
	assert.Equal(t, "abc", BearerToken(req))
	req.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", BearerToken(req))
}
