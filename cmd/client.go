package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/daemon"
)

// client is a thin HTTP client for a running daemon.
type client struct {
	baseURL string
	http    *http.Client
}

// newClient probes the daemon and returns a client, mapping an unreachable
// daemon to the dedicated exit code. When auto_start is configured, a
// missing daemon is launched in the background first.
func newClient(cfg *config.Config) (*client, error) {
	status := daemon.Probe(basePath, cfg.Daemon.Host, cfg.Daemon.Port)
	if !status.Running && cfg.Daemon.AutoStart {
		status = autoStartDaemon(cfg)
	}
	if !status.Running || status.Health != "healthy" {
		exitCode = exitDaemonNotRunning
		return nil, fmt.Errorf("daemon is not running for %s (try: dmm daemon start)", basePath)
	}
	return &client{
		baseURL: status.URL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// autoStartDaemon launches "dmm daemon start" detached and polls health
// until the daemon answers or the wait budget runs out.
func autoStartDaemon(cfg *config.Config) daemon.Status {
	exe, err := os.Executable()
	if err != nil {
		return daemon.Status{}
	}

	c := exec.Command(exe, "daemon", "start", "--path", basePath)
	c.Stdout = nil
	c.Stderr = nil
	if err := c.Start(); err != nil {
		return daemon.Status{}
	}
	// The daemon outlives this client process.
	go c.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := daemon.Probe(basePath, cfg.Daemon.Host, cfg.Daemon.Port)
		if status.Running && status.Health == "healthy" {
			fmt.Fprintf(os.Stderr, "started daemon (pid %d) at %s\n", status.PID, status.URL)
			return status
		}
		time.Sleep(200 * time.Millisecond)
	}
	return daemon.Probe(basePath, cfg.Daemon.Host, cfg.Daemon.Port)
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *client) delete(path string, out any) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printJSON renders a value as indented JSON to stdout.
func printJSON(v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(raw))
}
