// Command taskdeck is the taskdeck CLI client.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/GoCodeAlone/taskdeck/internal/version"
	"github.com/GoCodeAlone/taskdeck/task"
)

const defaultServer = "http://localhost:9090"

const statusTrailer = "X-Generation-Status"

func main() {
	flagSet := pflag.NewFlagSet("taskdeck", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	serverURL := flagSet.String("server", defaultServer, "taskdeck server URL")
	token := flagSet.String("token", os.Getenv("TASKDECK_TOKEN"), "bearer token (or $TASKDECK_TOKEN)")
	flagSet.Usage = usage
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	args := flagSet.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Out:        os.Stdout,
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Println(version.String("taskdeck"))
	case "status":
		err = cli.cmdStatus(rest)
	case "sign-in":
		err = cli.cmdSignIn("/api/auth/sign-in", rest)
	case "sign-up":
		err = cli.cmdSignIn("/api/auth/sign-up", rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "generate":
		err = cli.cmdGenerate(rest)
	case "recipe":
		err = cli.cmdRecipe(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `taskdeck - taskdeck CLI

Usage:
  taskdeck [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  bearer token (or $TASKDECK_TOKEN)

Commands:
  version                      print version
  status                       show server status
  sign-in <user> <password>    print a token for an existing account
  sign-up <user> <password>    create an account and print its token
  tasks                        list your tasks
  task add <name> <text...>    create a task
  task done <id>               mark a task completed
  task rename <id> <name...>   rename a task
  task rm <id>                 delete a task
  generate [--stream] <prompt...>
                               run a generation
  recipe <prompt...>           generate a structured recipe
`)
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Out        io.Writer
}

// do sends a JSON request and decodes the JSON response into v (may be nil).
func (c *Client) do(method, path string, in, v any) error {
	resp, err := c.send(method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if v != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// send issues the request and turns error statuses into errors carrying the
// server's message.
func (c *Client) send(method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close() //nolint:errcheck
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.do(http.MethodGet, "/api/status", nil, &result); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "status:   %v\n", result["status"])
	fmt.Fprintf(c.Out, "version:  %v\n", result["version"])
	fmt.Fprintf(c.Out, "provider: %v\n", result["provider"])
	return nil
}

// --- auth ---

func (c *Client) cmdSignIn(path string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: taskdeck %s <user> <password>", strings.TrimPrefix(path, "/api/auth/"))
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(http.MethodPost, path, map[string]string{"username": args[0], "password": args[1]}, &result); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, result.Token)
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []task.Task
	if err := c.do(http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(c.Out, "no tasks")
		return nil
	}
	fmt.Fprintf(c.Out, "%-36s %-4s %-24s %s\n", "ID", "DONE", "NAME", "CREATED")
	fmt.Fprintln(c.Out, strings.Repeat("-", 82))
	for _, t := range tasks {
		done := ""
		if t.IsCompleted {
			done = "x"
		}
		fmt.Fprintf(c.Out, "%-36s %-4s %-24s %s\n",
			t.ID, done, truncate(t.Name, 23),
			t.Created().Local().Format(time.DateTime))
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: taskdeck task <add|done|rename|rm> ...")
	}
	sub, id := args[0], args[1]
	switch sub {
	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: taskdeck task add <name> <text...>")
		}
		var result map[string]string
		in := map[string]any{"name": args[1], "text": strings.Join(args[2:], " ")}
		if err := c.do(http.MethodPost, "/api/tasks", in, &result); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "created task %s\n", result["id"])
	case "done":
		if err := c.do(http.MethodPatch, "/api/tasks/"+id, map[string]any{"isCompleted": true}, nil); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "task %s completed\n", id)
	case "rename":
		if len(args) < 3 {
			return fmt.Errorf("usage: taskdeck task rename <id> <name...>")
		}
		if err := c.do(http.MethodPatch, "/api/tasks/"+id, map[string]any{"name": strings.Join(args[2:], " ")}, nil); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "task %s renamed\n", id)
	case "rm":
		if err := c.do(http.MethodDelete, "/api/tasks/"+id, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "task %s deleted\n", id)
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

// --- generation ---

func (c *Client) cmdGenerate(args []string) error {
	fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	stream := fs.Bool("stream", false, "print fragments as they arrive")
	system := fs.String("system", "", "system instruction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompt := strings.Join(fs.Args(), " ")
	in := map[string]any{"prompt": prompt, "system": *system, "stream": *stream}

	if !*stream {
		var result struct {
			Text string `json:"text"`
		}
		if err := c.do(http.MethodPost, "/api/generate", in, &result); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, result.Text)
		return nil
	}

	// Streams may run longer than the default request timeout.
	c.HTTPClient.Timeout = 0
	resp, err := c.send(http.MethodPost, "/api/generate", in)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return relay(c.Out, resp)
}

// relay copies a streamed body to w as it arrives and reports a stream the
// server marked as errored.
func relay(w io.Writer, resp *http.Response) error {
	r := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(w)
	if resp.Trailer.Get(statusTrailer) == "error" {
		return errors.New("generation ended early; output may be incomplete")
	}
	return nil
}

func (c *Client) cmdRecipe(args []string) error {
	var result struct {
		Object struct {
			Recipe struct {
				Name        string `json:"name"`
				Ingredients []struct {
					Name   string `json:"name"`
					Amount string `json:"amount"`
				} `json:"ingredients"`
				Steps []string `json:"steps"`
			} `json:"recipe"`
		} `json:"object"`
	}
	if err := c.do(http.MethodPost, "/api/generate-object", map[string]any{"prompt": strings.Join(args, " ")}, &result); err != nil {
		return err
	}
	r := result.Object.Recipe
	fmt.Fprintf(c.Out, "%s\n\nIngredients:\n", r.Name)
	for _, ing := range r.Ingredients {
		fmt.Fprintf(c.Out, "  - %s (%s)\n", ing.Name, ing.Amount)
	}
	fmt.Fprintln(c.Out, "\nSteps:")
	for i, step := range r.Steps {
		fmt.Fprintf(c.Out, "  %d. %s\n", i+1, step)
	}
	return nil
}

// --- helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
