package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tutu-network/immunet/internal/daemon"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// apiBase returns the base URL of the running daemon's HTTP API.
func apiBase(cfg daemon.Config) string {
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.API.Port))
}

// getJSON fetches path from the daemon API and decodes the body into v.
func getJSON(cfg daemon.Config, path string, v any) error {
	resp, err := httpClient.Get(apiBase(cfg) + path)
	if err != nil {
		return fmt.Errorf("immunet daemon not reachable (is 'immunet serve' running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
