// ABOUTME: Admin CLI for handoff-gateway agents, conversations and transfers
// ABOUTME: Talks to the HTTP API with the bearer token written by bootstrap

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
 _                     _        __  __             _           _
| |__   __ _ _ __   __| | ___  / _|/ _|   __ _  __| |_ __ ___ (_)_ __
| '_ \ / _' | '_ \ / _' |/ _ \| |_| |_   / _' |/ _' | '_ ' _ \| | '_ \
| | | | (_| | | | | (_| | (_) |  _|  _| | (_| | (_| | | | | | | | | | |
|_| |_|\__,_|_| |_|\__,_|\___/|_| |_|    \__,_|\__,_|_| |_| |_|_|_| |_|
`

type agentSummary struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Department            string  `json:"department"`
	State                 string  `json:"state"`
	IsLive                bool    `json:"isLive"`
	ActiveConversations   int     `json:"activeConversations"`
	MaxConcurrentChats    int     `json:"maxConcurrentChats"`
	UtilizationPercentage float64 `json:"utilizationPercentage"`
}

type conversation struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	Status              string     `json:"status"`
	State               string     `json:"state"`
	AssignedAgentID     string     `json:"assignedAgentId"`
	IsTransferRequested bool       `json:"isTransferRequested"`
	TransferReason      string     `json:"transferReason"`
	Priority            string     `json:"priority"`
	Department          string     `json:"department"`
	TransferredAt       *time.Time `json:"transferredAt"`
	Version             int64      `json:"version"`
}

type transfer struct {
	ID            string    `json:"id"`
	FromAgentID   string    `json:"fromAgentId"`
	ToAgentID     string    `json:"toAgentId"`
	Reason        string    `json:"reason"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	TransferredAt time.Time `json:"transferredAt"`
}

type result struct {
	Conversation conversation `json:"conversation"`
	Transfer     *transfer    `json:"transfer"`
	Status       string       `json:"status"`
}

type recommendation struct {
	Department             string         `json:"department"`
	CanTransfer            bool           `json:"canTransfer"`
	RecommendedAgent       *agentSummary  `json:"recommendedAgent"`
	AvailableAgents        []agentSummary `json:"availableAgents"`
	UnavailabilityReason   string         `json:"unavailabilityReason"`
	AlternativeDepartments []string       `json:"alternativeDepartments"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := newClient(getEnv("HANDOFF_URL", "http://localhost:8080"), getToken())
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "agents":
		err = cmdAgents(ctx, c, os.Stdout, args)
	case "conversations":
		err = cmdConversations(ctx, c, os.Stdout, args)
	case "assign":
		err = cmdAssign(ctx, c, os.Stdout, args)
	case "release":
		err = cmdRelease(ctx, c, os.Stdout, args)
	case "handoff":
		err = cmdHandoff(ctx, c, os.Stdout, args)
	case "route":
		err = cmdRoute(ctx, c, os.Stdout, args)
	case "transfers":
		err = cmdTransfers(ctx, c, os.Stdout, args)
	case "reconcile":
		err = cmdReconcile(ctx, c, os.Stdout, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: handoff-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  agents [--department D]            List agents with live state and load")
	fmt.Println("  conversations [--state S]          List conversations")
	fmt.Println("  assign <conversation> <agent>      Assign a conversation to an agent")
	fmt.Println("  release <conversation> [reason]    Release a conversation")
	fmt.Println("  handoff <conversation> [flags]     Request a human handoff (--reason, --priority, --department, --summary)")
	fmt.Println("  route <conversation>               Route a pending handoff to the best agent")
	fmt.Println("  transfers <conversation>           Show a conversation's transfer history")
	fmt.Println("  reconcile [--repair]               Check stored workload counters")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HANDOFF_URL       Gateway URL (default: http://localhost:8080)")
	fmt.Println("  HANDOFF_TOKEN     Bearer token (default: ~/.config/handoff/token)")
	fmt.Println()
}

func cmdAgents(ctx context.Context, c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	dept := fs.String("department", "", "only agents of this department")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/api/agents"
	if *dept != "" {
		path = "/api/departments/" + url.PathEscape(*dept) + "/agents"
	}
	var resp struct {
		Agents []agentSummary `json:"agents"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return err
	}

	header(out, "Agents")
	if len(resp.Agents) == 0 {
		fmt.Fprintln(out, "  (no agents registered)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tDEPARTMENT\tSTATE\tLOAD\tUTIL")
	fmt.Fprintln(w, "  --\t----\t----------\t-----\t----\t----")
	for _, a := range resp.Agents {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d/%d\t%.0f%%\n",
			truncate(a.ID, 20), truncate(a.Name, 24), a.Department, stateLabel(a),
			a.ActiveConversations, a.MaxConcurrentChats, a.UtilizationPercentage)
	}
	w.Flush()
	fmt.Fprintln(out)
	return nil
}

func stateLabel(a agentSummary) string {
	if !a.IsLive {
		return color.HiBlackString(a.State)
	}
	switch a.State {
	case "Available":
		return color.GreenString(a.State)
	case "Busy":
		return color.YellowString(a.State)
	default:
		return a.State
	}
}

func cmdConversations(ctx context.Context, c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	state := fs.String("state", "", "Unassigned, PendingTransfer, Assigned or Released")
	agent := fs.String("agent", "", "only conversations owned by this agent")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *state != "" {
		q.Set("state", *state)
	}
	if *agent != "" {
		q.Set("agent", *agent)
	}
	q.Set("limit", fmt.Sprint(*limit))

	var resp struct {
		Conversations []conversation `json:"conversations"`
	}
	if err := c.do(ctx, "GET", "/api/conversations?"+q.Encode(), nil, &resp); err != nil {
		return err
	}

	header(out, "Conversations")
	if len(resp.Conversations) == 0 {
		fmt.Fprintln(out, "  (no conversations)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tAGENT\tPRIORITY\tDEPARTMENT\tVERSION")
	fmt.Fprintln(w, "  --\t------\t-----\t--------\t----------\t-------")
	for _, conv := range resp.Conversations {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d\n",
			truncate(conv.ID, 24), conv.Status, orDash(conv.AssignedAgentID),
			conv.Priority, orDash(conv.Department), conv.Version)
	}
	w.Flush()
	fmt.Fprintln(out)
	return nil
}

func cmdAssign(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: handoff-admin assign <conversation> <agent>")
	}
	var res result
	body := map[string]string{"agentId": args[1]}
	if err := c.do(ctx, "POST", convPath(args[0], "assign"), body, &res); err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

func cmdRelease(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: handoff-admin release <conversation> [reason]")
	}
	body := map[string]string{"reason": strings.Join(args[1:], " ")}
	var res result
	if err := c.do(ctx, "POST", convPath(args[0], "release"), body, &res); err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

func cmdHandoff(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: handoff-admin handoff <conversation> [flags]")
	}
	fs := flag.NewFlagSet("handoff", flag.ContinueOnError)
	reason := fs.String("reason", "UserRequested", "transfer reason")
	priority := fs.String("priority", "Normal", "Low, Normal, High, Urgent or Emergency")
	dept := fs.String("department", "", "target department")
	summary := fs.String("summary", "", "markdown summary for the receiving agent")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	body := map[string]string{
		"reason":     *reason,
		"priority":   *priority,
		"department": *dept,
		"summary":    *summary,
	}
	var res result
	if err := c.do(ctx, "POST", convPath(args[0], "handoff"), body, &res); err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

func cmdRoute(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: handoff-admin route <conversation>")
	}
	var resp struct {
		Result         *result         `json:"result"`
		Recommendation *recommendation `json:"recommendation"`
	}
	err := c.do(ctx, "POST", convPath(args[0], "route"), nil, &resp)
	if err != nil {
		// Print alternatives when no agent can take the conversation.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == "agent_unavailable" {
			var body struct {
				Recommendation *recommendation `json:"recommendation"`
			}
			if json.Unmarshal(apiErr.Body, &body) == nil && body.Recommendation != nil {
				printRecommendation(out, *body.Recommendation)
			}
		}
		return err
	}
	if resp.Recommendation != nil {
		printRecommendation(out, *resp.Recommendation)
	}
	if resp.Result != nil {
		printResult(out, *resp.Result)
	}
	return nil
}

func cmdTransfers(ctx context.Context, c *client, out io.Writer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: handoff-admin transfers <conversation>")
	}
	var resp struct {
		Transfers []transfer `json:"transfers"`
	}
	if err := c.do(ctx, "GET", convPath(args[0], "transfers"), nil, &resp); err != nil {
		return err
	}

	header(out, "Transfers for "+args[0])
	if len(resp.Transfers) == 0 {
		fmt.Fprintln(out, "  (no transfers)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  WHEN\tSTATUS\tFROM\tTO\tREASON\tPRIORITY")
	fmt.Fprintln(w, "  ----\t------\t----\t--\t------\t--------")
	for _, t := range resp.Transfers {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			t.TransferredAt.Local().Format("Jan 02 15:04"), t.Status,
			orDash(t.FromAgentID), orDash(t.ToAgentID), t.Reason, t.Priority)
	}
	w.Flush()
	fmt.Fprintln(out)
	return nil
}

func cmdReconcile(ctx context.Context, c *client, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	repair := fs.Bool("repair", false, "rewrite drifted counters")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/api/reconcile"
	if *repair {
		path += "?repair=true"
	}
	var resp struct {
		Checked int `json:"checked"`
		Drifted []struct {
			AgentID string `json:"agentId"`
			Stored  int    `json:"stored"`
			Derived int    `json:"derived"`
		} `json:"drifted"`
		Repaired int `json:"repaired"`
	}
	if err := c.do(ctx, "POST", path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Drifted) == 0 {
		color.New(color.FgGreen).Fprintf(out, "  ✓ %d agents checked, counters consistent\n", resp.Checked)
		return nil
	}
	yellow := color.New(color.FgYellow)
	yellow.Fprintf(out, "  ! %d of %d agents drifted\n", len(resp.Drifted), resp.Checked)
	for _, d := range resp.Drifted {
		fmt.Fprintf(out, "    %s: stored %d, derived %d\n", d.AgentID, d.Stored, d.Derived)
	}
	if resp.Repaired > 0 {
		color.New(color.FgGreen).Fprintf(out, "  ✓ %d repaired\n", resp.Repaired)
	}
	return nil
}

func printResult(out io.Writer, res result) {
	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ %s ", res.Conversation.ID)
	fmt.Fprintf(out, "%s", res.Status)
	if res.Conversation.AssignedAgentID != "" {
		fmt.Fprintf(out, " (agent %s)", res.Conversation.AssignedAgentID)
	}
	fmt.Fprintf(out, " v%d\n", res.Conversation.Version)
}

func printRecommendation(out io.Writer, rec recommendation) {
	header(out, "Routing for "+orDash(rec.Department))
	if rec.RecommendedAgent != nil {
		fmt.Fprintf(out, "  recommended: %s (%s, %d/%d)\n", rec.RecommendedAgent.ID,
			rec.RecommendedAgent.Name, rec.RecommendedAgent.ActiveConversations, rec.RecommendedAgent.MaxConcurrentChats)
	}
	if rec.UnavailabilityReason != "" {
		color.New(color.FgYellow).Fprintf(out, "  %s\n", rec.UnavailabilityReason)
	}
	if len(rec.AlternativeDepartments) > 0 {
		fmt.Fprintf(out, "  try: %s\n", strings.Join(rec.AlternativeDepartments, ", "))
	}
	fmt.Fprintln(out)
}

func header(out io.Writer, title string) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintf(out, "  %s\n", title)
	cyan.Fprintf(out, "  %s\n", strings.Repeat("-", len(title)))
}

func convPath(id, action string) string {
	return "/api/conversations/" + url.PathEscape(id) + "/" + action
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the token from HANDOFF_TOKEN or the file bootstrap writes
// next to the gateway config.
func getToken() string {
	if token := os.Getenv("HANDOFF_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "handoff", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
