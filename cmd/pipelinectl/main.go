// Command pipelinectl is a thin operator CLI over a running pipelined's
// control-verb HTTP surface (spec §6): start/resume/cancel/status/
// phases/activity/force-complete, plus the supplemented maintenance
// commands reset-circuit-breaker, resume-pipeline, and force-restart.
// Grounded on the teacher's cmd/driftmgr-client/main.go command
// dispatch (os.Args[1] selects a subcommand, each handler parses its
// own remaining args and prints [INFO]/[ERROR]/[SUCCESS]-prefixed
// status lines) trimmed from that file's interactive shell down to a
// one-shot, non-interactive client — this pipeline has no analogue of
// the teacher's discovery/remediation REPL.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "start":
		err = cmdStart(args)
	case "status":
		err = cmdStatus(args)
	case "phases":
		err = cmdPhases(args)
	case "activity":
		err = cmdActivity(args)
	case "resume", "resume-pipeline":
		err = cmdResume(args)
	case "cancel":
		err = cmdCancel(args)
	case "force-complete":
		err = cmdForceComplete(args)
	case "force-restart":
		err = cmdForceRestart(args)
	case "reset-circuit-breaker":
		err = cmdResetBreaker(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Printf("[ERROR] unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pipelinectl <command> [flags]

commands:
  start                 start a new pipeline run
  status                show a run's top-level status
  phases                list per-phase status for a run
  activity              tail the event log for a run
  resume                resume a run from its last checkpoint
  cancel                cancel an active run
  force-complete        force a phase to completed
  force-restart         cancel and restart a run fresh
  reset-circuit-breaker force-close a service's circuit breaker

every command accepts:
  -addr string       pipelined base URL (default "http://localhost:8080")
  -token string       operator bearer token (or PIPELINECTL_TOKEN env var)`)
}

// client wraps the handful of HTTP calls every subcommand needs,
// grounded on the same shared-secret bearer-token scheme
// internal/httpapi/auth.go enforces on mutating verbs.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(addr, token string) *client {
	if token == "" {
		token = os.Getenv("PIPELINECTL_TOKEN")
	}
	return &client{base: addr, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// call does a request and decodes a JSON response into out (if non-nil),
// surfacing a non-2xx status as an error with the response body attached.
func (c *client) call(method, path string, body, out interface{}) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pipelined returned %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func commonFlags(fs *flag.FlagSet) (*string, *string) {
	addr := fs.String("addr", "http://localhost:8080", "pipelined base URL")
	token := fs.String("token", "", "operator bearer token (or PIPELINECTL_TOKEN)")
	return addr, token
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	addr, token := commonFlags(fs)
	project := fs.String("project", "", "project name (required)")
	periodDate := fs.String("period-date", "", "period date YYYY-MM-DD (required)")
	mode := fs.String("mode", "initial", "initial|incremental")
	fs.Parse(args)

	if *project == "" || *periodDate == "" {
		return fmt.Errorf("start requires -project and -period-date")
	}

	c := newClient(*addr, *token)
	var out struct {
		RunID string `json:"run_id"`
	}
	req := map[string]string{"project": *project, "period_date": *periodDate, "mode": *mode}
	if err := c.call(http.MethodPost, "/pipelines/start", req, &out); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] started run %s\n", out.RunID)
	return nil
}

func runIDFlag(fs *flag.FlagSet) *string {
	return fs.String("run", "", "pipeline run id (required)")
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("status requires -run")
	}

	c := newClient(*addr, *token)
	var out map[string]interface{}
	if err := c.call(http.MethodGet, "/pipelines/"+*runID+"/status", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdPhases(args []string) error {
	fs := flag.NewFlagSet("phases", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("phases requires -run")
	}

	c := newClient(*addr, *token)
	var out map[string]interface{}
	if err := c.call(http.MethodGet, "/pipelines/"+*runID+"/phases", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdActivity(args []string) error {
	fs := flag.NewFlagSet("activity", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	since := fs.Int64("since", 0, "only events after this event id")
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("activity requires -run")
	}

	c := newClient(*addr, *token)
	path := fmt.Sprintf("/pipelines/%s/activity?since=%d", *runID, *since)
	var out map[string]interface{}
	if err := c.call(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("resume requires -run")
	}

	c := newClient(*addr, *token)
	if err := c.call(http.MethodPost, "/pipelines/"+*runID+"/resume", nil, nil); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] resumed run %s\n", *runID)
	return nil
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("cancel requires -run")
	}

	c := newClient(*addr, *token)
	if err := c.call(http.MethodPost, "/pipelines/"+*runID+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] cancelled run %s\n", *runID)
	return nil
}

func cmdForceComplete(args []string) error {
	fs := flag.NewFlagSet("force-complete", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	phaseName := fs.String("phase", "", "phase name (required)")
	force := fs.Bool("force", false, "complete even if the flexible-completion predicate is not yet satisfied")
	fs.Parse(args)
	if *runID == "" || *phaseName == "" {
		return fmt.Errorf("force-complete requires -run and -phase")
	}

	c := newClient(*addr, *token)
	req := map[string]interface{}{"phase": *phaseName, "force": *force}
	if err := c.call(http.MethodPost, "/pipelines/"+*runID+"/force-complete", req, nil); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] forced %s/%s to completed\n", *runID, *phaseName)
	return nil
}

func cmdForceRestart(args []string) error {
	fs := flag.NewFlagSet("force-restart", flag.ExitOnError)
	addr, token := commonFlags(fs)
	runID := runIDFlag(fs)
	fs.Parse(args)
	if *runID == "" {
		return fmt.Errorf("force-restart requires -run")
	}

	c := newClient(*addr, *token)
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.call(http.MethodPost, "/pipelines/"+*runID+"/force-restart", nil, &out); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] restarted %s as new run %s\n", *runID, out.RunID)
	return nil
}

func cmdResetBreaker(args []string) error {
	fs := flag.NewFlagSet("reset-circuit-breaker", flag.ExitOnError)
	addr, token := commonFlags(fs)
	service := fs.String("service", "", "external service name (required)")
	fs.Parse(args)
	if *service == "" {
		return fmt.Errorf("reset-circuit-breaker requires -service")
	}

	c := newClient(*addr, *token)
	if err := c.call(http.MethodPost, "/breakers/"+*service+"/reset", nil, nil); err != nil {
		return err
	}
	fmt.Printf("[SUCCESS] reset circuit breaker for %s\n", *service)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
