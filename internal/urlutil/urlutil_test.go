package urlutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "valid http", url: "http://example.com/", wantErr: false},
		{name: "valid https with path", url: "https://example.com/a/b?c=d", wantErr: false},
		{name: "empty", url: "", wantErr: true},
		{name: "relative", url: "/a/b", wantErr: true},
		{name: "missing host", url: "http://", wantErr: true},
		{name: "ftp scheme", url: "ftp://example.com/file", wantErr: true},
		{name: "mailto", url: "mailto:me@example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := urlutil.Validate(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHost(t *testing.T) {
	host, err := urlutil.Host("https://Example.COM:8080/path")
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)

	_, err = urlutil.Host("not a url ://")
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	h := urlutil.Hash("https://example.com/")

	assert.Len(t, h, 64)
	assert.Equal(t, h, urlutil.Hash("https://example.com/"))
	assert.NotEqual(t, h, urlutil.Hash("https://example.com/other"))
}

func TestNeedsRendering(t *testing.T) {
	assert.True(t, urlutil.NeedsRendering("https://example.com/dashboard"))
	assert.True(t, urlutil.NeedsRendering("https://example.com/API/v1"))
	assert.True(t, urlutil.NeedsRendering("https://app.example.com/"))
	assert.False(t, urlutil.NeedsRendering("https://example.com/about-us"))
}

func TestSkipExtension(t *testing.T) {
	assert.True(t, urlutil.SkipExtension("https://example.com/report.pdf"))
	assert.True(t, urlutil.SkipExtension("https://example.com/style.CSS"))
	assert.True(t, urlutil.SkipExtension("https://example.com/pic.jpg?v=2"))
	assert.False(t, urlutil.SkipExtension("https://example.com/page.html"))
	assert.False(t, urlutil.SkipExtension("https://example.com/no-extension"))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		base string
		href string
		want string
	}{
		{name: "relative path", base: "https://example.com/a/", href: "b", want: "https://example.com/a/b"},
		{name: "root relative", base: "https://example.com/a/b", href: "/c", want: "https://example.com/c"},
		{name: "absolute", base: "https://example.com/", href: "https://other.com/x", want: "https://other.com/x"},
		{name: "fragment dropped", base: "https://example.com/", href: "/page#section", want: "https://example.com/page"},
		{name: "whitespace trimmed", base: "https://example.com/", href: "  /spaced ", want: "https://example.com/spaced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := urlutil.Resolve(tt.base, tt.href)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
