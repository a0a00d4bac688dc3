package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromeFlags(t *testing.T) {
	cfg := Default().Browser
	flags := chromeFlags(cfg)

	assert.Equal(t, true, flags["headless"])
	assert.Equal(t, true, flags["no-sandbox"])
	assert.Equal(t, true, flags["disable-dev-shm-usage"])
	assert.Equal(t, false, flags["enable-automation"])
	assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
	assert.Equal(t, "1920,1080", flags["window-size"])
	assert.Equal(t, "imagesEnabled=false", flags["blink-settings"])
	assert.Equal(t, DefaultUserAgent, flags["user-agent"])
	assert.NotContains(t, flags, "disable-javascript")

	cfg.BlockImages = false
	cfg.UserAgent = ""
	cfg.WindowWidth = 0
	flags = chromeFlags(cfg)
	assert.NotContains(t, flags, "blink-settings")
	assert.NotContains(t, flags, "user-agent")
	assert.NotContains(t, flags, "window-size")
}

func TestAllocatorOptionsAddsExecPath(t *testing.T) {
	cfg := Default().Browser
	base := len(allocatorOptions(cfg))
	cfg.ExecPath = "/opt/chrome/chrome"
	assert.Equal(t, base+1, len(allocatorOptions(cfg)))
}

// chromePath finds a local Chrome or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no chrome binary found")
	return ""
}

func TestChromeLocator_Integration(t *testing.T) {
	execPath := chromePath(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><body>
<div id="player"></div>
<script>
setTimeout(function () {
  var v = document.createElement('video');
  v.setAttribute('data-src', '/media/clip.mp4');
  document.getElementById('player').appendChild(v);
}, 200);
</script>
</body></html>`))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><body><p>nothing here</p></body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	bcfg := Default().Browser
	bcfg.ExecPath = execPath
	lcfg := Default().Locator
	lcfg.Timeout = 45 * time.Second
	lcfg.StrategyTimeout = 2 * time.Second

	launcher := NewChromeLauncher(bcfg, zerolog.Nop())
	locator := NewLocator(launcher, lcfg, bcfg.UserAgent, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := locator.Locate(ctx, srv.URL+"/watch")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/media/clip.mp4", res.URL)
	assert.Equal(t, StrategyVideo, res.Strategy)
	assert.Equal(t, 1, res.Attempts)

	res, err = locator.Locate(ctx, srv.URL+"/empty")
	require.NoError(t, err)
	assert.False(t, res.Found())
}

func TestChromeLocator_CrossOriginFrame(t *testing.T) {
	execPath := chromePath(t)

	player := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><body><video src="/ep.mp4"></video></body></html>`))
	}))
	defer player.Close()
	// Same port, different host: the page at 127.0.0.1 cannot read this frame.
	playerOrigin := strings.Replace(player.URL, "127.0.0.1", "localhost", 1)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!doctype html><html><body>
<iframe src="` + playerOrigin + `/embed" width="640" height="360"></iframe>
</body></html>`))
	}))
	defer site.Close()
	require.Contains(t, site.URL, "127.0.0.1")

	bcfg := Default().Browser
	bcfg.ExecPath = execPath
	lcfg := Default().Locator
	lcfg.Timeout = 45 * time.Second
	lcfg.StrategyTimeout = 2 * time.Second

	launcher := NewChromeLauncher(bcfg, zerolog.Nop())
	locator := NewLocator(launcher, lcfg, bcfg.UserAgent, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := locator.Locate(ctx, site.URL+"/watch")
	require.NoError(t, err)
	assert.Equal(t, playerOrigin+"/ep.mp4", res.URL)
	assert.Equal(t, StrategyIframe, res.Strategy)
}
