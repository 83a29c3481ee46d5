package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewWithOAuthAttachesToken(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"secret-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	var auth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer api.Close()

	client := NewWithOAuth(context.Background(), 5*time.Second, OAuthConfig{
		TokenURL:     tokens.URL,
		ClientID:     "jobs",
		ClientSecret: "s3cret",
	})
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
}
