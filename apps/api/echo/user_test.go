package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mtihani/core/user"
)

func Test_userApi_login(t *testing.T) {
	env := setup(t)
	usr := createUser(t, env.usrRepo, "Awe Some", "awesome", "awe.some@school.test", "LePassword", user.AdminRoles)
	deactivated := createUser(t, env.usrRepo, "Gone", "gone", "gone@school.test", "LePassword", user.StudentRoles)
	deactivated.SetActive(false)
	_, err := env.usrRepo.UpdateOrCreateUser(context.Background(), deactivated)
	require.NoError(t, err)

	tests := []httpTest{
		{
			name: "empty body", method: http.MethodPost, path: "/v1/users/login",
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"username": "this field is required", "password": "this field is required"}`),
		},
		{
			name: "unknown user", method: http.MethodPost, path: "/v1/users/login",
			body:     marshallObj(t, LoginRequest{Username: "nobody", Password: "nope"}),
			wantCode: http.StatusBadRequest, wantData: []byte(`{"error": "authentication failed"}`),
		},
		{
			name: "wrong password", method: http.MethodPost, path: "/v1/users/login",
			body:     marshallObj(t, LoginRequest{Username: "awesome", Password: "nope"}),
			wantCode: http.StatusBadRequest, wantData: []byte(`{"error": "authentication failed"}`),
		},
		{
			name: "deactivated account", method: http.MethodPost, path: "/v1/users/login",
			body:     marshallObj(t, LoginRequest{Username: "gone", Password: "LePassword"}),
			wantCode: http.StatusForbidden, wantData: []byte(`{"error": "account deactivated"}`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkCodeAndData(t, tt, env.do(t, tt))
		})
	}

	t.Run("login with username", func(t *testing.T) {
		tt := httpTest{
			method: http.MethodPost, path: "/v1/users/login",
			body:     marshallObj(t, LoginRequest{Username: "awesome", Password: "LePassword"}),
			wantCode: http.StatusOK,
		}
		rec := env.do(t, tt)
		checkCodeAndData(t, tt, rec)

		var resp LoginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)

		// the token opens authed endpoints
		me := httpTest{method: http.MethodGet, path: "/v1/users/me", token: resp.Token, wantCode: http.StatusOK}
		mrec := env.do(t, me)
		checkCodeAndData(t, me, mrec)

		var fetched user.User
		require.NoError(t, json.Unmarshal(mrec.Body.Bytes(), &fetched))
		assert.Equal(t, usr.ID, fetched.ID)
	})

	t.Run("login with email", func(t *testing.T) {
		tt := httpTest{
			method: http.MethodPost, path: "/v1/users/login",
			body:     marshallObj(t, LoginRequest{Username: "AWE.Some@School.test", Password: "LePassword"}),
			wantCode: http.StatusOK,
		}
		checkCodeAndData(t, tt, env.do(t, tt))
	})

	t.Run("token refresh", func(t *testing.T) {
		token := getToken(t, usr)
		tt := httpTest{method: http.MethodPost, path: "/v1/users/token-refresh", token: token, wantCode: http.StatusOK}
		rec := env.do(t, tt)
		checkCodeAndData(t, tt, rec)

		var resp LoginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
	})
}
