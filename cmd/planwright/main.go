// Command planwright is the planwright CLI client.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/planwright/engine"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/internal/version"
	"github.com/GoCodeAlone/planwright/task"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL, token string
	cli := &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}

	root := &cobra.Command{
		Use:           "planwright",
		Short:         "planwright CLI",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("PLANWRIGHT_SERVER", defaultServer), "planwright server URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("PLANWRIGHT_TOKEN"), "JWT auth token")

	root.AddCommand(
		versionCmd(),
		statusCmd(cli),
		loginCmd(cli),
		submitCmd(cli),
		plansCmd(cli),
		planCmd(cli),
		controlCmd(cli, "cancel", "Cancel a running plan", "canceled"),
		controlCmd(cli, "approve", "Approve sequential execution of a blocked plan", "approved"),
		controlCmd(cli, "reject", "Reject a blocked plan", "rejected"),
		eventsCmd(cli),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// --- version / status / login ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "planwright %s\n", version.String())
		},
	}
}

func statusCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result map[string]string
			if err := cli.get(cmd.Context(), "/api/status", &result); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "status:  %s\n", result["status"])
			fmt.Fprintf(w, "version: %s\n", result["version"])
			fmt.Fprintf(w, "uptime:  %s\n", result["uptime"])
			return nil
		},
	}
}

func loginCmd(cli *Client) *cobra.Command {
	var user, pass string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for --token or $PLANWRIGHT_TOKEN",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Token string `json:"token"`
			}
			body := map[string]string{"username": user, "password": pass}
			if err := cli.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "username")
	cmd.Flags().StringVarP(&pass, "password", "p", os.Getenv("PLANWRIGHT_PASSWORD"), "password (or $PLANWRIGHT_PASSWORD)")
	return cmd
}

// --- plans ---

func submitCmd(cli *Client) *cobra.Command {
	var (
		rc   map[string]string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a prompt for planning and execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"prompt": strings.Join(args, " ")}
			if len(rc) > 0 {
				body["request_context"] = rc
			}
			var resp map[string]string
			if err := cli.post(cmd.Context(), "/api/plans", body, &resp); err != nil {
				return err
			}
			id := resp["plan_id"]
			fmt.Fprintf(cmd.OutOrStdout(), "submitted plan %s\n", id)
			if !wait {
				return nil
			}
			st, err := waitForPlan(cmd.Context(), cli, id, time.Second)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&rc, "context", nil, "request context entries, key=value")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the plan to finish")
	return cmd
}

// waitForPlan polls until the plan reaches a final or blocked state.
func waitForPlan(ctx context.Context, cli *Client, id string, every time.Duration) (*engine.Status, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var st engine.Status
		if err := cli.get(ctx, "/api/plans/"+id, &st); err != nil {
			return nil, err
		}
		if st.State.Finished() || st.State == task.PlanBlocked {
			return &st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func plansCmd(cli *Client) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := fmt.Sprintf("/api/plans?limit=%d", limit)
			if state != "" {
				path += "&state=" + state
			}
			var plans []*task.Plan
			if err := cli.get(cmd.Context(), path, &plans); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(plans) == 0 {
				fmt.Fprintln(w, "no plans")
				return nil
			}
			fmt.Fprintf(w, "%-36s %-11s %-6s %-30s\n", "ID", "STATE", "TASKS", "PROMPT")
			fmt.Fprintln(w, strings.Repeat("-", 86))
			for _, p := range plans {
				fmt.Fprintf(w, "%-36s %-11s %-6d %-30s\n", p.ID, p.State, len(p.TaskIDs), truncate(p.Prompt, 29))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only plans in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum plans to list")
	return cmd
}

func planCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <id>",
		Short: "Show a plan and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st engine.Status
			if err := cli.get(cmd.Context(), "/api/plans/"+args[0], &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), &st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *engine.Status) {
	fmt.Fprintf(w, "plan:       %s\n", st.PlanID)
	fmt.Fprintf(w, "state:      %s\n", st.State)
	if st.Complexity != "" {
		fmt.Fprintf(w, "complexity: %s (estimated %s)\n", st.Complexity, st.EstimatedDuration)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", st.Error)
	}
	if st.Recovery != nil {
		fmt.Fprintf(w, "recovery:   %s (%s)\n", st.Recovery.Strategy, st.Recovery.Outcome)
	}
	for _, warn := range st.Warnings {
		fmt.Fprintf(w, "warning:    %s\n", warn)
	}
	if len(st.Tasks) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%-36s %-18s %-10s %-30s\n", "TASK", "KIND", "STATUS", "NAME")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	for _, t := range st.Tasks {
		status := string(t.Status)
		switch {
		case t.Blocked:
			status = "blocked"
		case t.FromCache:
			status += "*"
		}
		fmt.Fprintf(w, "%-36s %-18s %-10s %-30s\n", t.ID, t.Kind, status, truncate(t.Name, 29))
	}
}

func controlCmd(cli *Client, verb, short, past string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.post(cmd.Context(), "/api/plans/"+args[0]+"/"+verb, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s %s\n", args[0], past)
			return nil
		},
	}
}

// --- events ---

func eventsCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect undeliverable events"}
	cmd.AddCommand(&cobra.Command{
		Use:   "failed [plan-id]",
		Short: "List events that exhausted their delivery attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/events/failed"
			if len(args) == 1 {
				path = "/api/plans/" + args[0] + "/events/failed"
			}
			var recs []events.Record
			if err := cli.get(cmd.Context(), path, &recs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, "no failed events")
				return nil
			}
			fmt.Fprintf(w, "%-36s %-36s %-5s %-16s %-8s %s\n", "EVENT", "PLAN", "SEQ", "TYPE", "ATTEMPTS", "LAST ERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%-36s %-36s %-5d %-16s %-8d %s\n", r.ID, r.PlanID, r.Seq, r.Type, r.Attempts, truncate(r.LastError, 40))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "redeliver <event-id>",
		Short: "Queue a failed event for delivery again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.post(cmd.Context(), "/api/events/"+args[0]+"/redeliver", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %s queued\n", args[0])
			return nil
		},
	})
	return cmd
}

// --- helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
