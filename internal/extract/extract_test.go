package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilePage = `<!doctype html>
<html>
<head>
  <meta name="description" content="Alice builds compilers">
  <meta property="og:description" content="Follow Alice on Example">
  <meta property="profile:username" content="alice">
  <meta name="viewport" content="width=device-width">
  <link rel="alternate" href="https://example.com/archive/Joined March 2001">
  <script type="application/ld+json">
    {"@context": "https://schema.org", "@type": "Person", "name": "Alice Liddell", "jobTitle": "Engineer", "age": 30}
  </script>
  <script type="application/ld+json">{"@type": "Organization", "name": "Acme"}</script>
</head>
<body>
  <header class="site-header"><div class="profile-card">Sign in to Example</div></header>
  <nav><a href="https://github.com/login">GitHub login</a></nav>
  <div class="user-profile">
    <h1 class="profile-name">Alice Liddell</h1>
    <p class="bio">  Writes   Go and
      Rust  </p>
    <p class="bio">Follow</p>
    <p class="bio">1,234</p>
    <p class="user-bio">Joined September 2019</p>
    <ul class="about-links">
      <li><a href="https://github.com/alice?tab=repositories">GitHub</a></li>
      <li><a href="https://mastodon.social/@alice/">Mastodon</a></li>
      <li><a href="https://alice.dev/">Blog</a></li>
      <li><a href="https://alice.dev#top">Blog again</a></li>
      <li><a href="/alice/followers">Followers</a></li>
      <li><a href="https://twitter.com/share?text=hi">Share</a></li>
      <li><a href="https://cdn.example.com/static/a.png">Avatar</a></li>
      <li><a href="mailto:alice@alice.dev">Mail</a></li>
    </ul>
  </div>
  <footer class="global-footer"><div class="bio">Copyright Example Inc</div>
    <a href="https://shop.acme.test/">Shop</a>
  </footer>
</body>
</html>`

const pageURL = "https://www.example.com/alice"

func TestProfileExtract(t *testing.T) {
	p, err := Profile{}.Extract(context.Background(), pageURL, []byte(profilePage))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"description":      "Alice builds compilers",
		"profile:username": "alice",
		"name":             "Alice Liddell",
		"jobTitle":         "Engineer",
	}, p.Profile)
	assert.Equal(t, []string{"Alice Liddell", "Joined September 2019", "Writes Go and Rust"}, p.ProfileText)
	assert.Empty(t, p.CreatedAt)
	assert.Empty(t, p.Links)
}

func TestDatesExtract(t *testing.T) {
	p, err := Dates{}.Extract(context.Background(), pageURL, []byte(profilePage))
	require.NoError(t, err)
	assert.Equal(t, "September 2019", p.CreatedAt)
}

func TestDatesExtractSources(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			name: "meta tag",
			page: `<meta name="user:joined" content="Member since: Jan 2022"><p>Joined May 2010</p>`,
			want: "Jan 2022",
		},
		{
			name: "time element",
			page: `<p>Joined <time datetime="2017-04-02">April 2017</time></p>`,
			want: "2017-04-02",
		},
		{
			name: "account created",
			page: `<span>Account created: March 15, 2021</span>`,
			want: "March 15 2021",
		},
		{
			name: "registration date",
			page: `<dd>Registration date: 2022-03-15</dd>`,
			want: "2022-03-15",
		},
		{
			name: "only in link rel",
			page: `<link rel="alternate" title="Joined March 2001"><p>hello</p>`,
			want: "",
		},
		{
			name: "nothing",
			page: `<p>Just a page</p>`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Dates{}.Extract(context.Background(), pageURL, []byte(tt.page))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.CreatedAt)
		})
	}
}

func TestLinksExtract(t *testing.T) {
	p, err := Links{}.Extract(context.Background(), pageURL, []byte(profilePage))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://alice.dev",
		"https://github.com/alice",
		"https://mastodon.social/@alice",
	}, p.Links)
}

func TestExtractEmptyAndCancelled(t *testing.T) {
	for _, ex := range []interface {
		Name() string
		Extract(context.Context, string, []byte) (Partial, error)
	}{Profile{}, Dates{}, Links{}} {
		t.Run(ex.Name(), func(t *testing.T) {
			_, err := ex.Extract(context.Background(), pageURL, []byte("  \n"))
			assert.ErrorIs(t, err, ErrEmptyDocument)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err = ex.Extract(ctx, pageURL, []byte(profilePage))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestSiteName(t *testing.T) {
	tests := []struct {
		url, host, name string
	}{
		{"https://www.github.com/alice", "www.github.com", "github"},
		{"https://gist.github.com/alice", "gist.github.com", "github"},
		{"https://example.com/alice", "example.com", "example"},
		{"http://127.0.0.1:8080/alice", "127.0.0.1:8080", ""},
		{"http://localhost/alice", "localhost", ""},
	}
	for _, tt := range tests {
		host, name := siteName(tt.url)
		assert.Equal(t, tt.host, host, tt.url)
		assert.Equal(t, tt.name, name, tt.url)
	}
}
