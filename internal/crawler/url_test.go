package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Example.COM:443/a?b=2&a=1#frag")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a?a=1&b=2", got)

	got, err = NormalizeURL("http://example.com:80/")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/", got)
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/docs/intro")
	require.NoError(t, err)

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"/about", "https://example.com/about", true},
		{"next", "https://example.com/docs/next", true},
		{"https://other.org/x#y", "https://other.org/x", true},
		{"#top", "", false},
		{"mailto:someone@example.com", "", false},
		{"javascript:void(0)", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := ResolveLink(base, tt.href)
		require.Equal(t, tt.ok, ok, tt.href)
		require.Equal(t, tt.want, got, tt.href)
	}
}

func TestValidateTargetURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTargetURL("https://example.com"))
	require.Error(t, ValidateTargetURL("ftp://example.com"))
	require.Error(t, ValidateTargetURL("https://"))
	require.Error(t, ValidateTargetURL("example.com"))
}
