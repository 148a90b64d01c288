// Package cli implements the fleetwatchctl subcommands. Every command is
// a thin JSON client of the daemon's operator API; no recovery logic
// lives here.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://127.0.0.1:8400"

// AddAll attaches the fleetwatch commands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewPlanCmd())
	root.AddCommand(NewExecuteCmd())
	root.AddCommand(NewBackupCmd())
	root.AddCommand(NewRestoreCmd())
}

// NewStatusCmd returns the "status" command printing the latest view.
func NewStatusCmd() *cobra.Command {
	var addr string
	var fresh bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest cluster view",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/cluster"
			if fresh {
				path = "/api/v1/cluster/poll"
			}
			return getAndPrint(addr, path)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envAddr(), "daemon API address")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "force a fresh poll cycle")
	return cmd
}

// NewPlanCmd returns the "plan" command.
func NewPlanCmd() *cobra.Command {
	var addr, switchoverTo string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the recovery plan for the current view",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/plan"
			if switchoverTo != "" {
				path += "?switchover_to=" + switchoverTo
			}
			return getAndPrint(addr, path)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envAddr(), "daemon API address")
	cmd.Flags().StringVar(&switchoverTo, "switchover-to", "", "request a planned switchover to this node")
	return cmd
}

// NewExecuteCmd returns the "execute" command. Irreversible plans need
// the confirmation token printed by "plan".
func NewExecuteCmd() *cobra.Command {
	var addr, switchoverTo, token string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Apply the recovery plan for the current view",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if switchoverTo != "" {
				body["switchover_to"] = switchoverTo
			}
			if token != "" {
				body["confirmation_token"] = token
			}
			return postAndPrint(addr, "/api/v1/execute", body)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envAddr(), "daemon API address")
	cmd.Flags().StringVar(&switchoverTo, "switchover-to", "", "request a planned switchover to this node")
	cmd.Flags().StringVar(&token, "confirm-token", "", "confirmation token from 'plan' for irreversible actions")
	return cmd
}

// NewBackupCmd returns the "backup" command group.
func NewBackupCmd() *cobra.Command {
	var addr, node string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if node != "" {
				body["node"] = node
			}
			return postAndPrint(addr, "/api/v1/backups", body)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envAddr(), "daemon API address")
	cmd.Flags().StringVar(&node, "node", "", "preferred source node")

	list := &cobra.Command{
		Use:   "list",
		Short: "List backup artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(addr, "/api/v1/backups")
		},
	}
	cmd.AddCommand(list)
	return cmd
}

// NewRestoreCmd returns the "restore" command.
func NewRestoreCmd() *cobra.Command {
	var addr, artifact string
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup artifact (irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifact == "" {
				return fmt.Errorf("missing --artifact")
			}
			return postAndPrint(addr, "/api/v1/restore", map[string]interface{}{
				"artifact_id": artifact,
				"confirm":     yes,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envAddr(), "daemon API address")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact ID to restore")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive restore")
	return cmd
}

func envAddr() string {
	if addr := os.Getenv("FLEETWATCH_ADDR"); addr != "" {
		return addr
	}
	return defaultAddr
}

func httpClient() *http.Client {
	// Execute may block on convergence polling.
	return &http.Client{Timeout: 15 * time.Minute}
}

func getAndPrint(addr, path string) error {
	resp, err := httpClient().Get(addr + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func postAndPrint(addr, path string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient().Post(addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
