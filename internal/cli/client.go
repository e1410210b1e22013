package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/daemon"
	"github.com/iteratedev/iterate/internal/store"
)

// quickRequestTimeout bounds every call except creation, which waits for the
// dev server to come up.
const quickRequestTimeout = 10 * time.Second

// DaemonClient talks to a running daemon's control API.
type DaemonClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

type daemonErrorResponse struct {
	Error string `json:"error"`
}

type daemonHealth struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Iterations int    `json:"iterations"`
	Clients    int    `json:"clients"`
}

// connectDaemon returns a client for the daemon serving repo. The URL comes
// from the runtime state file when one exists, else from the configured
// daemon port.
func connectDaemon(repo string) (*DaemonClient, error) {
	state, running, err := loadDaemonState(daemonPIDFilePath(repo), daemonStateFilePath(repo), isPIDAlive)
	if err != nil {
		return nil, fmt.Errorf("reading daemon state: %w", err)
	}

	baseURL := ""
	if running {
		baseURL = strings.TrimSpace(state.URL)
		if baseURL == "" && state.Port > 0 {
			host := strings.TrimSpace(state.Host)
			if host == "" {
				host = "127.0.0.1"
			}
			baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(state.Port))
		}
	}
	if baseURL == "" {
		cfg, err := config.Load(repo)
		if err != nil {
			return nil, err
		}
		baseURL = "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.DaemonPort))
	}

	return &DaemonClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}, nil
}

func (c *DaemonClient) Iterations(ctx context.Context) (map[string]store.Iteration, error) {
	var out map[string]store.Iteration
	err := c.doJSON(ctx, http.MethodGet, "/api/iterations", nil, &out)
	return out, err
}

func (c *DaemonClient) CreateIteration(ctx context.Context, name, baseBranch string) (store.Iteration, error) {
	var out store.Iteration
	req := map[string]string{"name": name}
	if baseBranch != "" {
		req["baseBranch"] = baseBranch
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/iterations", req, &out, http.StatusCreated)
	return out, err
}

func (c *DaemonClient) RemoveIteration(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/iterations/"+url.PathEscape(name), nil, nil)
}

func (c *DaemonClient) Pick(ctx context.Context, name, strategy string) (daemon.PickResult, error) {
	var out daemon.PickResult
	err := c.doJSON(ctx, http.MethodPost, "/api/iterations/pick", map[string]string{"name": name, "strategy": strategy}, &out)
	return out, err
}

func (c *DaemonClient) Logs(ctx context.Context, name string) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/iterations/"+url.PathEscape(name)+"/logs", nil, &out)
	return out.Lines, err
}

func (c *DaemonClient) RunCommand(ctx context.Context, command, prompt string, count int) (store.CommandContext, error) {
	var out store.CommandContext
	req := map[string]any{"command": command, "prompt": prompt, "count": count}
	err := c.doJSON(ctx, http.MethodPost, "/api/command", req, &out, http.StatusAccepted)
	return out, err
}

func (c *DaemonClient) Health(ctx context.Context) (daemonHealth, error) {
	var out daemonHealth
	err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

func (c *DaemonClient) Shutdown(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/shutdown", nil, nil)
}

func (c *DaemonClient) doJSON(ctx context.Context, method, path string, req, out any, okStatuses ...int) error {
	if c == nil {
		return fmt.Errorf("daemon client is nil")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}

	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	reqURL := strings.TrimRight(c.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("daemon request failed (is `iterate daemon` running?): %w", err)
	}
	defer resp.Body.Close()

	if len(okStatuses) == 0 {
		okStatuses = []int{http.StatusOK}
	}
	for _, status := range okStatuses {
		if resp.StatusCode != status {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if len(respBody) > 0 {
		var daemonErr daemonErrorResponse
		if err := json.Unmarshal(respBody, &daemonErr); err == nil && strings.TrimSpace(daemonErr.Error) != "" {
			return fmt.Errorf("daemon request failed (%d): %s", resp.StatusCode, daemonErr.Error)
		}
	}
	return fmt.Errorf("daemon request failed with status %d", resp.StatusCode)
}
