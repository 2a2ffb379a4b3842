package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)

	// 32 random bytes encode to 43 base64url characters, no padding.
	assert.Len(t, verifier, 43)
	assert.NotContains(t, verifier, "=")
	assert.NotContains(t, verifier, "+")
	assert.NotContains(t, verifier, "/")

	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), challenge)

	verifier2, _, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, verifier2)
}

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantScheme string
		wantParams map[string]string
	}{
		{
			name:       "resource metadata challenge",
			header:     `Bearer realm="https://auth.example.com", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`,
			wantScheme: "Bearer",
			wantParams: map[string]string{
				"realm":             "https://auth.example.com",
				"resource_metadata": "https://mcp.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:       "scheme only",
			header:     "Bearer",
			wantScheme: "Bearer",
			wantParams: map[string]string{},
		},
		{
			name:       "empty header",
			header:     "",
			wantScheme: "",
			wantParams: map[string]string{},
		},
		{
			name:       "parameter names lowercased",
			header:     `Bearer Resource_Metadata="https://x", SCOPE="read"`,
			wantScheme: "Bearer",
			wantParams: map[string]string{"resource_metadata": "https://x", "scope": "read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, params := ParseWWWAuthenticate(tt.header)
			assert.Equal(t, tt.wantScheme, scheme)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}
