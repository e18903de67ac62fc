// ABOUTME: Interactive config generation for handoff-gateway init
// ABOUTME: Prompts with defaults and renders a YAML config the loader accepts

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// configAnswers are the values init and bootstrap write into a config file.
type configAnswers struct {
	HTTPAddr        string
	GRPCAddr        string
	Driver          string
	DSN             string
	JWTSecret       string
	ReleaseOnExpiry bool
	LockBackend     string
	RedisURL        string
	Tailscale       bool
	TSHostname      string
	TSAuthKey       string
	TSEphemeral     bool
	LogLevel        string
	LogFormat       string
}

func renderConfig(a configAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# handoff-gateway configuration\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", a.Driver))
	cfg.WriteString(fmt.Sprintf("  dsn: %q\n", a.DSN))
	cfg.WriteString("\n")

	if a.JWTSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.JWTSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("presence:\n")
	cfg.WriteString("  liveness_window: \"90s\"\n")
	cfg.WriteString("  sweep_interval: \"30s\"\n")
	cfg.WriteString(fmt.Sprintf("  release_on_expiry: %t\n", a.ReleaseOnExpiry))
	cfg.WriteString("\n")

	cfg.WriteString("routing:\n")
	cfg.WriteString("  reconcile_interval: \"5m\"\n")
	cfg.WriteString("  reconcile_repair: true\n")
	cfg.WriteString("  candidate_limit: 5\n")
	cfg.WriteString("\n")

	if a.LockBackend == "redis" {
		cfg.WriteString("lock:\n")
		cfg.WriteString("  backend: \"redis\"\n")
		cfg.WriteString(fmt.Sprintf("  redis_url: %q\n", a.RedisURL))
		cfg.WriteString("\n")
	}

	cfg.WriteString("detect:\n")
	cfg.WriteString("  keywords: true\n")
	cfg.WriteString("  openai_api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")
	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("handoff-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultDSN := filepath.Join(getDataPath(), "handoff.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a configAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Println("\n--- Database Configuration ---")
	a.Driver = prompt(reader, "Driver (sqlite/sqlite3/pgx)", "sqlite")
	dsnDefault := defaultDSN
	if a.Driver == "pgx" {
		dsnDefault = "postgres://handoff@localhost:5432/handoff"
	}
	a.DSN = prompt(reader, "Data source", dsnDefault)

	fmt.Println("\n--- Routing ---")
	a.ReleaseOnExpiry = yes(prompt(reader, "Release conversations when an agent's session expires?", "no"))
	a.LockBackend = prompt(reader, "Lock backend (memory/redis)", "memory")
	if a.LockBackend == "redis" {
		a.RedisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Auth ---")
	a.JWTSecret = prompt(reader, "JWT secret (empty disables auth)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "handoff-gateway")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.Driver != "pgx" {
		if err := os.MkdirAll(filepath.Dir(a.DSN), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  handoff-gateway serve\n")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
