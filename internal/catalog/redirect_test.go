package catalog

import (
	"testing"

	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https", "https://app.example.com/callback", false},
		{"https with port", "https://app.example.com:8443/callback", false},
		{"https with query", "https://app.example.com/callback?env=prod", false},
		{"http localhost", "http://localhost:3000/callback", false},
		{"http localhost subdomain", "http://dev.localhost/callback", false},
		{"http loopback v4", "http://127.0.0.1:8080/callback", false},
		{"http loopback v6", "http://[::1]:8080/callback", false},
		{"http public host", "http://app.example.com/callback", true},
		{"relative", "/callback", true},
		{"empty", "", true},
		{"fragment", "https://app.example.com/callback#frag", true},
		{"javascript", "javascript:alert(1)", true},
		{"data", "data:text/html,hi", true},
		{"file", "file:///etc/passwd", true},
		{"vbscript", "vbscript:msgbox", true},
		{"custom scheme", "myapp://callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for %q", tt.uri)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tt.uri, err)
			}
			if err != nil && !outerrors.IsCode(err, outerrors.CodeInvalidRedirectURI) {
				t.Errorf("expected invalid_redirect_uri code, got %v", err)
			}
		})
	}
}
