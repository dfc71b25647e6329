// Package main implements the ghostship operator CLI. Every command is a
// thin wrapper over the admin HTTP API served by cmd/ghostship, so anything
// the CLI can do the dashboard and plain curl can do too.
//
// Usage:
//
//	ghostshipctl -addr http://localhost:8085 status
//	ghostshipctl freeze -actor ops -reason "schema migration"
//	ghostshipctl tick -force -seed 1234
//	ghostshipctl override-set -card blood-moon -energy 1.5
//	ghostshipctl process -limit 5
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

func main() {
	var (
		addr    = flag.String("addr", envOr("GHOSTSHIP_ADDR", "http://localhost:8085"), "Admin API base URL")
		user    = flag.String("user", envOr("GHOSTSHIP_ADMIN_USER", ""), "Basic auth user")
		pass    = flag.String("pass", envOr("GHOSTSHIP_ADMIN_PASS", ""), "Basic auth password")
		timeout = flag.Duration("timeout", defaultTimeout, "Request timeout")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base: strings.TrimRight(*addr, "/"),
		user: *user,
		pass: *pass,
		http: &http.Client{Timeout: *timeout},
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c, os.Stdout, rest)
	case "freeze":
		err = cmdFreeze(c, os.Stdout, rest)
	case "resume":
		err = cmdResume(c, os.Stdout, rest)
	case "toggle":
		err = cmdToggle(c, os.Stdout, rest)
	case "override":
		err = cmdOverride(c, os.Stdout, rest)
	case "override-set":
		err = cmdOverrideSet(c, os.Stdout, rest)
	case "override-clear":
		err = cmdOverrideClear(c, os.Stdout, rest)
	case "tick":
		err = cmdTick(c, os.Stdout, rest)
	case "queue":
		err = cmdQueue(c, os.Stdout, rest)
	case "process":
		err = cmdProcess(c, os.Stdout, rest)
	case "config":
		err = cmdConfig(c, os.Stdout, rest)
	case "reload":
		err = cmdReload(c, os.Stdout, rest)
	case "fingerprint":
		err = cmdFingerprint(c, os.Stdout, rest)
	case "sessions":
		err = cmdSessions(c, os.Stdout, rest)
	case "touch":
		err = cmdTouch(c, os.Stdout, rest)
	case "prune":
		err = cmdPrune(c, os.Stdout, rest)
	case "health":
		err = cmdHealth(c, os.Stdout, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	const text = `ghostshipctl drives the ghostship admin API.

Usage:

  ghostshipctl [flags] <command> [command flags]

Commands:

  status          Control-plane overview (freeze, last tick, queue, sessions)
  freeze          Freeze tick accumulation
  resume          Resume tick accumulation
  toggle          Flip the freeze state
  override        Show the pending manual override
  override-set    Queue a manual override for the next tick
  override-clear  Discard the pending manual override
  tick            Run a tick immediately
  queue           Generation queue depths by status
  process         Drain the generation queue once
  config          Merged simulation config
  reload          Force a config reload from disk
  fingerprint     Config path, version and content hash
  sessions        Activity session snapshot
  touch           Record a session heartbeat
  prune           Sweep stale sessions now
  health          Component health snapshots

Flags:

`
	fmt.Fprint(os.Stderr, text)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "\nRun \"ghostshipctl <command> -h\" for command flags.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base string
	user string
	pass string
	http *http.Client
}

// apiError carries the server's error body alongside the status code so
// callers can branch on expected conditions like a missing override.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Message: errorMessage(payload)}
	}
	return payload, nil
}

// errorMessage extracts the API's {"error": ...} body, falling back to the
// raw text.
func errorMessage(payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = "request failed"
	}
	return msg
}

func printJSON(out io.Writer, payload []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		// Not JSON; pass it through untouched.
		_, werr := fmt.Fprintln(out, strings.TrimSpace(string(payload)))
		return werr
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}

// statusView mirrors the fields of GET /api/status the summary prints.
type statusView struct {
	State  string `json:"state"`
	Freeze struct {
		Frozen bool   `json:"frozen"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	} `json:"freeze"`
	LastTick *struct {
		Number int64     `json:"tick_number"`
		Origin string    `json:"origin"`
		RanAt  time.Time `json:"ran_at"`
	} `json:"last_tick"`
	PendingOverride *struct {
		QueuedAt time.Time `json:"queued_at"`
		Note     string    `json:"note"`
	} `json:"pending_override"`
	Queue struct {
		Depths map[string]int `json:"depths"`
		Total  int            `json:"total"`
	} `json:"queue"`
	Sessions struct {
		Total   int     `json:"total"`
		Organic int     `json:"organic"`
		Tier    string  `json:"tier"`
		Factor  float64 `json:"factor"`
	} `json:"sessions"`
	Config struct {
		Version int    `json:"version"`
		SHA1    string `json:"sha1"`
	} `json:"config"`
	Breaker *struct {
		State            string `json:"state"`
		RemainingSeconds int    `json:"remaining_seconds"`
		Reason           string `json:"reason"`
	} `json:"breaker"`
}

func cmdStatus(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	raw := fs.Bool("json", false, "Print the raw JSON response")
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/status", nil)
	if err != nil {
		return err
	}
	if *raw {
		return printJSON(out, payload)
	}

	var st statusView
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintf(out, "State:     %s\n", st.State)
	if st.Freeze.Frozen {
		fmt.Fprintf(out, "Frozen by: %s", st.Freeze.Actor)
		if st.Freeze.Reason != "" {
			fmt.Fprintf(out, " (%s)", st.Freeze.Reason)
		}
		fmt.Fprintln(out)
	}
	if st.LastTick != nil {
		fmt.Fprintf(out, "Last tick: #%d %s at %s\n",
			st.LastTick.Number, st.LastTick.Origin, st.LastTick.RanAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Last tick: none")
	}
	if st.PendingOverride != nil {
		fmt.Fprintf(out, "Override:  pending since %s", st.PendingOverride.QueuedAt.Format(time.RFC3339))
		if st.PendingOverride.Note != "" {
			fmt.Fprintf(out, " (%s)", st.PendingOverride.Note)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Queue:     %d total (pending %d, in_progress %d, failed %d)\n",
		st.Queue.Total, st.Queue.Depths["pending"], st.Queue.Depths["in_progress"], st.Queue.Depths["failed"])
	fmt.Fprintf(out, "Sessions:  %d (%d organic), tier %s, factor %.2f\n",
		st.Sessions.Total, st.Sessions.Organic, st.Sessions.Tier, st.Sessions.Factor)
	if st.Breaker != nil {
		if st.Breaker.State == "open" {
			fmt.Fprintf(out, "Breaker:   open for %ds (%s)\n", st.Breaker.RemainingSeconds, st.Breaker.Reason)
		} else {
			fmt.Fprintln(out, "Breaker:   closed")
		}
	}
	fmt.Fprintf(out, "Config:    v%d %s\n", st.Config.Version, shortSHA(st.Config.SHA1))
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func cmdFreeze(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("freeze", flag.ExitOnError)
	actor := fs.String("actor", "ghostshipctl", "Acting operator recorded in the freeze state")
	reason := fs.String("reason", "", "Why ticks are being frozen")
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/freeze", map[string]string{"actor": *actor, "reason": *reason})
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdResume(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	actor := fs.String("actor", "ghostshipctl", "Acting operator recorded in the freeze state")
	note := fs.String("note", "", "Optional note on the resume")
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/resume", map[string]string{"actor": *actor, "note": *note})
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdToggle(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("toggle", flag.ExitOnError)
	actor := fs.String("actor", "ghostshipctl", "Acting operator recorded in the freeze state")
	reason := fs.String("reason", "", "Why the state is being flipped")
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/toggle", map[string]string{"actor": *actor, "reason": *reason})
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdOverride(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("override", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/override", nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Fprintln(out, "no manual override pending")
			return nil
		}
		return err
	}
	return printJSON(out, payload)
}

// overrideFlags declares the directive knobs shared by override-set and tick.
// Only flags the operator actually passed make it into the request body, so
// the server's own defaulting stays in charge.
func overrideFlags(fs *flag.FlagSet) (seed *int64, card *string, energy *float64, force *bool, note *string, origin *string) {
	seed = fs.Int64("seed", 0, "Deterministic RNG seed for the tick")
	card = fs.String("card", "", "Force a specific oracle card slug")
	energy = fs.Float64("energy", 0, "Energy multiplier (> 0)")
	force = fs.Bool("force", false, "Run even while frozen")
	note = fs.String("note", "", "Operator note recorded with the run")
	origin = fs.String("origin", "", "Origin label (defaults server-side)")
	return
}

func directiveBody(fs *flag.FlagSet, seed *int64, card *string, energy *float64, force *bool, note *string, origin *string) map[string]any {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	body := map[string]any{"force": *force}
	if set["seed"] {
		body["seed"] = *seed
	}
	if set["card"] {
		body["oracle_card"] = *card
	}
	if set["energy"] {
		body["energy_multiplier"] = *energy
	}
	if *note != "" {
		body["note"] = *note
	}
	if *origin != "" {
		body["origin"] = *origin
	}
	return body
}

func cmdOverrideSet(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("override-set", flag.ExitOnError)
	seed, card, energy, force, note, origin := overrideFlags(fs)
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/override", directiveBody(fs, seed, card, energy, force, note, origin))
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdOverrideClear(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("override-clear", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodDelete, "/api/override", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdTick(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	seed, card, energy, force, note, origin := overrideFlags(fs)
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/tick", directiveBody(fs, seed, card, energy, force, note, origin))
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdQueue(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/queue", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdProcess(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum tasks to claim in this pass (defaults server-side)")
	fs.Parse(args)

	var body any
	if *limit != 0 {
		body = map[string]int{"limit": *limit}
	}
	payload, err := c.do(http.MethodPost, "/api/queue/process", body)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdConfig(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/config", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdReload(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/config/reload", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdFingerprint(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/config/fingerprint", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdSessions(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/sessions", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdTouch(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("touch", flag.ExitOnError)
	key := fs.String("key", "", "Session key to mark live (generated when omitted)")
	organic := fs.Bool("organic", false, "Count the session as organic (human) presence")
	fs.Parse(args)

	sessionKey := *key
	if sessionKey == "" {
		// A fresh key per call lets operators fake extra sessions when
		// smoke-testing the backpressure tiers.
		sessionKey = uuid.NewString()
		fmt.Fprintf(out, "session key: %s\n", sessionKey)
	}

	payload, err := c.do(http.MethodPost, "/api/sessions/touch", map[string]any{
		"session_key": sessionKey,
		"organic":     *organic,
	})
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdPrune(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodPost, "/api/sessions/prune", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}

func cmdHealth(c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	fs.Parse(args)

	payload, err := c.do(http.MethodGet, "/api/health", nil)
	if err != nil {
		return err
	}
	return printJSON(out, payload)
}
