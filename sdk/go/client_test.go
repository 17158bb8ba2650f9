package jorblinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/jorbs/j1/approve", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "book it", body["decision"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jorb":{"id":"j1","status":"running"},"cycle":{"outcome":"applied","sent":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.Approve(context.Background(), "j1", "book it")
	require.NoError(t, err)
	require.Equal(t, "running", res.Jorb.Status)
	require.Equal(t, "applied", res.Cycle.Outcome)
	require.True(t, res.Cycle.Sent)
}

func TestClientQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/v0/jorbs":
			require.Equal(t, "closed", r.URL.Query().Get("status"))
			w.Write([]byte(`[{"id":"a","status":"complete"}]`))
		case "/v0/jorbs/a/messages":
			require.Equal(t, "5", r.URL.Query().Get("limit"))
			require.Equal(t, "10", r.URL.Query().Get("offset"))
			w.Write([]byte(`{"items":[],"total":12,"limit":5,"offset":10}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	jorbs, err := c.ListJorbs(context.Background(), "closed")
	require.NoError(t, err)
	require.Len(t, jorbs, 1)

	page, err := c.Messages(context.Background(), "a", 5, 10)
	require.NoError(t, err)
	require.Equal(t, 12, page.Total)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"jorb_terminal","message":"conflict: jorb is terminal"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Cancel(context.Background(), "j1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "jorb_terminal", apiErr.Code)
}
