package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostJSONSendsHeadersAndDecodes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-" + in["to"]})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithHeader("Authorization", "Bearer k"))
	var out struct {
		ID string `json:"id"`
	}
	if err := c.PostJSON(context.Background(), "/emails", map[string]string{"to": "a"}, &out); err != nil {
		t.Fatalf("PostJSON error: %v", err)
	}
	if out.ID != "msg-a" {
		t.Fatalf("ID = %q, want msg-a", out.ID)
	}
}

func TestGetJSONStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL).GetJSON(context.Background(), "/internal/users/u1", &struct{}{})
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}
