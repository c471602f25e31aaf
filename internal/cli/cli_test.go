package cli

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/immunet/internal/daemon"
)

func TestApplyServeFlags(t *testing.T) {
	t.Cleanup(func() {
		serveHost, servePort, serveMode, serveIfaces, serveLoad = "", 0, "", nil, ""
	})
	cfg := daemon.DefaultConfig()
	applyServeFlags(&cfg)
	assert.Equal(t, daemon.DefaultConfig(), cfg, "unset flags change nothing")

	serveHost, servePort, serveMode = "0.0.0.0", 9999, "detect"
	serveIfaces, serveLoad = []string{"eth1"}, "detectors [0 d. 1 h. 0 m.].db"
	applyServeFlags(&cfg)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "detect", cfg.Analyzer.Mode)
	assert.Equal(t, []string{"eth1"}, cfg.Sniffer.Interfaces)
	assert.Equal(t, "detectors [0 d. 1 h. 0 m.].db", cfg.Persistence.LoadFile)
}

func TestAPIBase(t *testing.T) {
	cfg := daemon.DefaultConfig()
	cfg.API.Host, cfg.API.Port = "0.0.0.0", 9470
	assert.Equal(t, "http://127.0.0.1:9470", apiBase(cfg))
	cfg.API.Host = "::1"
	assert.Equal(t, "http://[::1]:9470", apiBase(cfg))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", shortID("0123abcd-ffff"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := daemon.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, daemon.DefaultConfig().Algorithm, cfg.Algorithm)

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	assert.Error(t, rootCmd.Execute(), "existing file without --force")
}

func TestPs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"node_id":"node-1","mode":"hybrid","uptime_seconds":90,
			"patterns":12,"detectors":4,"pending_packets":3,
			"analyzers":[{"id":1,"pending":3,"reading":true,"claimed":false,"capacity_bytes":1024}]}`))
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	cfg := daemon.DefaultConfig()
	cfg.API.Host = host
	cfg.API.Port, _ = strconv.Atoi(port)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, daemon.SaveConfig(cfg, path))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"ps", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Node node-1  mode=hybrid  up 1m30s")
	assert.Contains(t, out.String(), "Patterns 12  Detectors 4")
	assert.Regexp(t, `1\s+3\s+true\s+1024`, out.String())
}
