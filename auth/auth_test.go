package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func basicHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func TestBasicAuthenticator(t *testing.T) {
	authenticator := NewBasicAuthenticator("admin", "secret")

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid credentials", basicHeader("admin", "secret"), false},
		{"wrong password", basicHeader("admin", "nope"), true},
		{"wrong username", basicHeader("root", "secret"), true},
		{"missing header", "", true},
		{"wrong scheme", "Bearer token", true},
		{"invalid base64", "Basic !!!", true},
		{"no separator", "Basic " + base64.StdEncoding.EncodeToString([]byte("adminsecret")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/Users", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if err := authenticator.Authenticate(r); (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBearerAuthenticator(t *testing.T) {
	authenticator := NewBearerAuthenticator("sekrit")

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid token", "Bearer sekrit", false},
		{"wrong token", "Bearer nope", true},
		{"missing header", "", true},
		{"wrong scheme", basicHeader("a", "b"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/Users", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if err := authenticator.Authenticate(r); (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNoneAuthenticator(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/Users", nil)
	if err := (&NoneAuthenticator{}).Authenticate(r); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
}
