package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin COMMAND [ARGS...]",
		Short: "Send an admin command (e.g. '!pending', '!approve ID') to the server",
		Example: `  interlock admin '!pending'
  interlock admin '!approve' 3f2a... 123456
  interlock admin '!allow' 'shell.make test'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			if !strings.HasPrefix(line, "!") {
				line = "!" + line
			}
			cfg := getClientConfig(cmd)
			reply, err := postCommand(cmd, cfg, line)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}

func postCommand(cmd *cobra.Command, cfg *clientConfig, line string) (string, error) {
	body, err := json.Marshal(map[string]string{"command": line})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(cfg.serverAddr, "/") + "/api/v1/commands"
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.apiKey != "" {
		req.Header.Set("X-API-Key", cfg.apiKey)
	}
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return "", exitErrorf(ExitUnavailable, "cannot reach %s: %v", cfg.serverAddr, err)
	}
	defer resp.Body.Close()

	var out struct {
		Reply string `json:"reply"`
		Error string `json:"error"`
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if resp.StatusCode/100 != 2 {
		return "", exitErrorf(ExitRejected, "%s (HTTP %d)", out.Error, resp.StatusCode)
	}
	return out.Reply, nil
}
