// Command tasktrack is the tasktrack CLI client.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/tasktrack/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		serverURL string
		token     string
	)
	cli := &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}

	cmd := &cobra.Command{
		Use:           "tasktrack",
		Short:         "tasktrack CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
		},
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "server URL")
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TASKTRACK_TOKEN"), "JWT auth token (or $TASKTRACK_TOKEN)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(*cobra.Command, []string) {
				fmt.Println(version.String("tasktrack"))
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show server status",
			RunE:  func(*cobra.Command, []string) error { return cli.cmdStatus() },
		},
		&cobra.Command{
			Use:   "login <user> <password>",
			Short: "Log in and print a token",
			Args:  cobra.ExactArgs(2),
			RunE:  func(_ *cobra.Command, args []string) error { return cli.cmdLogin(args[0], args[1]) },
		},
		tasksCmd(cli),
		taskCmd(cli),
		&cobra.Command{
			Use:   "notifications",
			Short: "List your recent notifications",
			RunE:  func(*cobra.Command, []string) error { return cli.cmdNotifications() },
		},
	)
	return cmd
}

func tasksCmd(cli *Client) *cobra.Command {
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(*cobra.Command, []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if assignee != "" {
				q.Set("assigned_to", assignee)
			}
			return cli.cmdTasks(q)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee (admins only)")
	return cmd
}

func taskCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or act on a single task",
	}

	var (
		title, description, priority, assignee, due string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create and assign a task",
		RunE: func(*cobra.Command, []string) error {
			body := map[string]any{
				"title":       title,
				"description": description,
				"priority":    priority,
				"assigned_to": assignee,
			}
			if due != "" {
				d, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due must be RFC 3339: %w", err)
				}
				body["due_date"] = d
			}
			var result map[string]any
			if err := cli.send(http.MethodPost, "/api/tasks", body, &result); err != nil {
				return err
			}
			fmt.Printf("created task %s\n", strVal(result["id"]))
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "task title")
	create.Flags().StringVar(&description, "description", "", "task description")
	create.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	create.Flags().StringVar(&assignee, "assignee", "", "employee id")
	create.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	_ = create.MarkFlagRequired("title")
	_ = create.MarkFlagRequired("assignee")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show a task as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return cli.printJSON("/api/tasks/" + url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "resolution <id>",
			Short: "Show how a task resolved",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return cli.cmdResolution(args[0])
			},
		},
	)

	// Simple actions share one shape: POST /api/tasks/{id}/<path> with an optional body.
	for _, a := range []struct {
		use, path, short string
	}{
		{"accept", "accept", "Accept an assigned task"},
		{"start", "start", "Start work on an accepted task"},
		{"complete", "complete", "Submit work"},
		{"verify", "verify", "Verify submitted work"},
		{"fail", "fail", "Fail a task"},
		{"reopen", "reopen", "Reopen a verified task"},
		{"accept-reopen", "reopen/accept", "Accept a reopen"},
		{"decline-reopen", "reopen/decline", "Decline a reopen"},
		{"accept-reopen-decline", "reopen/decline/accept", "Accept the employee's reopen decline"},
		{"decline", "decline", "Decline an assignment"},
		{"withdraw", "withdraw", "Withdraw from a task"},
		{"reassign", "reassign", "Reassign a withdrawn or declined task"},
		{"archive", "archive", "Archive a closed task"},
	} {
		cmd.AddCommand(actionCmd(cli, a.use, a.path, a.short))
	}
	return cmd
}

func actionCmd(cli *Client, use, path, short string) *cobra.Command {
	var (
		reason, note, link, assignee string
		confirmed                    bool
	)
	c := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{}
			for k, v := range map[string]string{"reason": reason, "note": note, "link": link, "assignee": assignee} {
				if v != "" {
					body[k] = v
				}
			}
			if confirmed {
				body["confirmed"] = true
			}
			var result map[string]any
			if err := cli.send(http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/"+path, body, &result); err != nil {
				return err
			}
			fmt.Printf("task %s is now %s\n", args[0], strVal(result["status"]))
			return nil
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "reason")
	c.Flags().StringVar(&note, "note", "", "note")
	c.Flags().StringVar(&link, "link", "", "submission link")
	c.Flags().StringVar(&assignee, "assignee", "", "new assignee")
	c.Flags().BoolVar(&confirmed, "confirm", false, "confirm a withdrawal")
	return c
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// send performs a request with a JSON body and decodes the response into v (may be nil).
func (c *Client) send(method, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	return c.send(http.MethodGet, path, nil, v)
}

func (c *Client) printJSON(path string) error {
	var v any
	if err := c.get(path, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- commands ---

func (c *Client) cmdStatus() error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	if up, ok := result["uptime_seconds"]; ok {
		fmt.Printf("uptime:  %ss\n", strVal(up))
	}
	return nil
}

func (c *Client) cmdLogin(user, password string) error {
	var result map[string]any
	if err := c.send(http.MethodPost, "/api/auth/login", map[string]string{"username": user, "password": password}, &result); err != nil {
		return err
	}
	fmt.Println(strVal(result["token"]))
	return nil
}

func (c *Client) cmdTasks(q url.Values) error {
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []map[string]any
	if err := c.get(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s %-12s\n", "ID", "TITLE", "STATUS", "ASSIGNEE")
	fmt.Println(strings.Repeat("-", 93))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-12s %-12s\n",
			strVal(t["id"]),
			truncate(strVal(t["title"]), 29),
			strVal(t["status"]),
			strVal(t["assigned_to"]),
		)
	}
	return nil
}

func (c *Client) cmdResolution(id string) error {
	var res map[string]any
	if err := c.get("/api/tasks/"+url.PathEscape(id)+"/resolution", &res); err != nil {
		return err
	}
	fmt.Printf("%s  %s (%s, final=%s)\n",
		strVal(res["code"]), strVal(res["label"]), strVal(res["severity"]), strVal(res["is_final"]))
	return nil
}

func (c *Client) cmdNotifications() error {
	var notes []map[string]any
	if err := c.get("/api/notifications", &notes); err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Println("no notifications")
		return nil
	}
	for _, n := range notes {
		fmt.Printf("%-25s %-26s %s\n", strVal(n["timestamp"]), strVal(n["kind"]), strVal(n["task_id"]))
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
