package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.optimiser/env (written by make start) and sets any
// key=value pairs not already present in the process environment. This lets
// optimiserctl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.optimiser/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("optimiserctl %s\n", version)
	case "admin-token":
		doAdminToken()
	case "rotate-admin-token":
		doRotateAdminToken(args)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "vault":
		doVault(args)
	case "session", "sessions":
		doSessions(args)
	case "apikey", "apikeys":
		doAPIKeys(args)
	case "stats":
		doStats()
	case "events":
		doEvents()
	case "tsdb":
		doTSDB(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `optimiserctl — CLI for the optimisation coordinator's admin API

Usage: optimiserctl <command> [arguments]

Environment:
  OPT_URL          Base URL (default: http://localhost:8080)
  OPT_ADMIN_TOKEN  Bearer token for admin endpoints

  ~/.optimiser/env Auto-sourced on startup; written by make start.
                   Explicit environment variables take precedence.

Commands:
  admin-token                  Print the admin token (env, file, or Docker)
  rotate-admin-token [token]   Rotate admin token (random if no token given)
  status                       Show server info and active session count
  health                       Show per-session evaluator liveness

  vault unlock <password>      Unlock the vault
  vault lock                   Lock the vault
  vault rotate <old> <new>     Rotate the vault password

  session list                 List tracked sessions and their progress
  session status <id>          Show one session's state and progress
  session history <id>         Show a session's persisted trial history
  session stop <id>            Ask a session to stop cooperatively
  session cancel <id>          Hard-cancel a session (operator override)

  apikey list                  List API keys
  apikey create <json>         Create a new API key
  apikey rotate <id>           Rotate an API key
  apikey delete <id>           Delete an API key

  stats                        Show aggregated trial/session stats
  events                       Stream real-time SSE events

  tsdb query <args>            Query persisted trial-metric time series
  tsdb metrics                 List TSDB metric names
  tsdb prune                   Prune old TSDB data

  version                      Show version
  help                         Show this help

Examples:
  optimiserctl status
  optimiserctl vault unlock "my-secret-password"
  optimiserctl session list
  optimiserctl session history opt-7f3a2
  optimiserctl apikey create '{"name":"backtester-1","scopes":"[\"optimise\"]"}'
  optimiserctl events
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("OPT_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("OPT_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		// Might be an array; wrap it.
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: optimiserctl %s\n", usage)
		os.Exit(1)
	}
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// --- Commands ---

func doAdminToken() {
	// 1. Environment variable.
	if tok := os.Getenv("OPT_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}

	// 2. Local token file (native deployment).
	home, _ := os.UserHomeDir()
	if home != "" {
		if data, err := os.ReadFile(home + "/.optimiser/.admin-token"); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}

	// 3. Docker container token file.
	for _, name := range []string{"optimiser-optimiser-1", "optimiser"} {
		out, err := exec.Command("docker", "exec", name, "cat", "/data/.admin-token").Output()
		if err == nil {
			if tok := strings.TrimSpace(string(out)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}

	fmt.Fprintln(os.Stderr, "admin token not found — set OPT_ADMIN_TOKEN or ensure the service is running")
	os.Exit(1)
}

func doRotateAdminToken(args []string) {
	var body string
	if len(args) > 0 {
		body = `{"token":"` + args[0] + `"}`
	} else {
		body = "{}"
	}
	result := doPost("/admin/v1/admin-token/rotate", body)
	ok, _ := result["ok"].(bool)
	token, _ := result["token"].(string)
	if !ok || token == "" {
		fmt.Fprintln(os.Stderr, "rotation failed:", result)
		os.Exit(1)
	}
	fmt.Println("Admin token rotated.")
	fmt.Println("New token:", token)
}

func doStatus() {
	h := doGet("/health")
	status, _ := h["status"].(string)
	active := fmtNum(h["active_sessions"])
	fmt.Printf("Server:           %s\n", baseURL())
	fmt.Printf("Status:           %s\n", status)
	fmt.Printf("Active sessions:  %s\n", active)
}

func doHealth() {
	data := doGet("/admin/v1/health")
	sessions, _ := data["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Println("No session health data available.")
		return
	}
	fmt.Println(prettyJSON(sessions))
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock|rotate> [args]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		body := fmt.Sprintf(`{"password":%s}`, jsonStr(args[1]))
		result := doPost("/admin/v1/vault/unlock", body)
		if result["ok"] == true {
			fmt.Println("Vault unlocked.")
		}
	case "lock":
		result := doPost("/admin/v1/vault/lock", "{}")
		if result["ok"] == true {
			if result["already_locked"] == true {
				fmt.Println("Vault was already locked.")
			} else {
				fmt.Println("Vault locked.")
			}
		}
	case "rotate":
		requireArgs(args, 3, "vault rotate <old-password> <new-password>")
		body := fmt.Sprintf(`{"old_password":%s,"new_password":%s}`, jsonStr(args[1]), jsonStr(args[2]))
		result := doPost("/admin/v1/vault/rotate", body)
		if result["ok"] == true {
			fmt.Println("Vault password rotated.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doSessions(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/sessions")
		sessions, _ := data["sessions"].([]any)
		if len(sessions) == 0 {
			fmt.Println("No tracked sessions.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tSTATE\tAPI KEY\tCOMPLETED\tTOTAL\tCREATED")
		for _, s := range sessions {
			m, _ := s.(map[string]any)
			id, _ := m["id"].(string)
			state, _ := m["state"].(string)
			apiKeyID, _ := m["api_key_id"].(string)
			completed := fmtNum(m["completed"])
			total := fmtNum(m["total"])
			created := fmtTime(m["created_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, state, apiKeyID, completed, total, created)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "status":
		requireArgs(args, 2, "session status <id>")
		data := doGet("/v1/sessions/" + args[1] + "/status")
		fmt.Println(prettyJSON(data))
	case "history":
		requireArgs(args, 2, "session history <id>")
		data := doGet("/v1/sessions/" + args[1] + "/history")
		fmt.Println(prettyJSON(data))
	case "stop":
		requireArgs(args, 2, "session stop <id>")
		result := doPost("/v1/sessions/"+args[1]+"/stop", "{}")
		if result["stopping"] == true {
			fmt.Println("Stop requested.")
		}
	case "cancel":
		requireArgs(args, 2, "session cancel <id>")
		result := doPost("/admin/v1/sessions/"+args[1]+"/cancel", "{}")
		if result["cancelled"] == true {
			fmt.Println("Session cancelled.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown session command: %s\n", args[0])
		os.Exit(1)
	}
}

func doAPIKeys(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/keys")
		keys, _ := data["keys"].([]any)
		if len(keys) == 0 {
			fmt.Println("No API keys.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tENABLED\tCREATED\tLAST USED")
		for _, k := range keys {
			m, _ := k.(map[string]any)
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			prefix, _ := m["key_prefix"].(string)
			scopes, _ := m["scopes"].(string)
			enabled := "yes"
			if m["enabled"] == false {
				enabled = "no"
			}
			created := fmtTime(m["created_at"])
			lastUsed := fmtTime(m["last_used_at"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", id, name, prefix, scopes, enabled, created, lastUsed)
		}
		_ = tw.Flush()
		return
	}

	switch args[0] {
	case "create":
		requireArgs(args, 2, "apikey create <json>")
		result := doPost("/admin/v1/keys", args[1])
		if result["ok"] == true {
			key, _ := result["key"].(string)
			id, _ := result["id"].(string)
			fmt.Printf("API key created.\n  ID:  %s\n  Key: %s\n", id, key)
			fmt.Println("\n  Save this key now — it will not be shown again.")
		}
	case "rotate":
		requireArgs(args, 2, "apikey rotate <id>")
		result := doPost("/admin/v1/keys/"+args[1]+"/rotate", "{}")
		if result["ok"] == true {
			key, _ := result["key"].(string)
			fmt.Printf("API key rotated.\n  New key: %s\n", key)
			fmt.Println("\n  Save this key now — it will not be shown again.")
		}
	case "delete":
		requireArgs(args, 2, "apikey delete <id>")
		result := doDelete("/admin/v1/keys/" + args[1])
		if result["ok"] == true {
			fmt.Println("API key deleted.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown apikey command: %s\n", args[0])
		os.Exit(1)
	}
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			lines := strings.Split(string(buf[:n]), "\n")
			for _, line := range lines {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "data:") {
					payload := strings.TrimPrefix(line, "data:")
					payload = strings.TrimSpace(payload)
					var evt map[string]any
					if json.Unmarshal([]byte(payload), &evt) == nil {
						evtType, _ := evt["type"].(string)
						sessionID, _ := evt["session_id"].(string)
						trial := fmtNum(evt["trial_number"])
						reason, _ := evt["reason"].(string)
						errMsg, _ := evt["error_msg"].(string)
						ts := time.Now().Format("15:04:05")
						if errMsg != "" {
							fmt.Printf("[%s] %s  session=%s trial=%s error=%s\n", ts, evtType, sessionID, trial, errMsg)
						} else {
							fmt.Printf("[%s] %s  session=%s trial=%s reason=%s\n", ts, evtType, sessionID, trial, reason)
						}
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doTSDB(args []string) {
	requireArgs(args, 1, "tsdb <query|metrics|prune> [args]")
	switch args[0] {
	case "metrics":
		data := doGet("/admin/v1/tsdb/metrics")
		fmt.Println(prettyJSON(data))
	case "prune":
		result := doPost("/admin/v1/tsdb/prune", "{}")
		fmt.Println(prettyJSON(result))
	case "query":
		qs := ""
		if len(args) > 1 {
			qs = "?" + strings.Join(args[1:], "&")
		}
		data := doGet("/admin/v1/tsdb/query" + qs)
		fmt.Println(prettyJSON(data))
	default:
		fmt.Fprintf(os.Stderr, "unknown tsdb command: %s\n", args[0])
		os.Exit(1)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
