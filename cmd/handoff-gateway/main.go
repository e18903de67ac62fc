// ABOUTME: Entry point for the handoff-gateway routing server
// ABOUTME: Subcommands serve, init, bootstrap, token, health, agents and version

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                     _        __  __
| |__   __ _ _ __   __| | ___  / _|/ _|
| '_ \ / _' | '_ \ / _' |/ _ \| |_| |_
| | | | (_| | | | | (_| | (_) |  _|  _|
|_| |_|\__,_|_| |_|\__,_|\___/|_| |_|   gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: HANDOFF_CONFIG env var > XDG_CONFIG_HOME/handoff/gateway.yaml > ~/.config/handoff/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HANDOFF_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "handoff", "gateway.yaml")
}

// getDataPath returns the path to the handoff data directory.
// Priority: XDG_DATA_HOME/handoff > ~/.local/share/handoff
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "handoff")
}

func usage() {
	fmt.Println("Usage: handoff-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the gateway server")
	fmt.Println("  init                        Create a new config file interactively")
	fmt.Println("  bootstrap                   Write a config with a fresh secret and an admin token")
	fmt.Println("  token --subject ID [flags]  Mint a bearer token (--role, --tenant, --ttl)")
	fmt.Println("  health                      Check gateway health")
	fmt.Println("  agents                      Show live agent count")
	fmt.Println("  version                     Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap()
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Liveness:  %s (sweep every %s)\n", cfg.Presence.LivenessWindow, cfg.Presence.SweepInterval)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: every caller is admin")
	}

	fmt.Println()

	logger.Info("starting handoff-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"version", version,
	)

	gw, err := gateway.New(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func fetch(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := fetch(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := fetch(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runToken mints a token with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (agent ID for agents)")
	role := fs.String("role", auth.RoleAgent, "admin, agent or bot")
	tenant := fs.String("tenant", "", "tenant scope (empty for all tenants)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	return mintToken(out, []byte(cfg.Auth.JWTSecret), auth.Identity{Subject: *subject, Role: *role, TenantID: *tenant}, *ttl)
}

func mintToken(out io.Writer, secret []byte, id auth.Identity, ttl time.Duration) error {
	if id.Subject == "" {
		return fmt.Errorf("--subject is required")
	}
	switch id.Role {
	case auth.RoleAdmin, auth.RoleAgent, auth.RoleBot:
	default:
		return fmt.Errorf("unknown role %q (admin, agent, bot)", id.Role)
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	token, err := auth.NewJWTVerifier(secret).Generate(id, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runBootstrap performs first-time setup: a config with a random JWT secret
// and an unscoped admin token saved next to it for handoff-admin.
func runBootstrap() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := renderConfig(configAnswers{
		HTTPAddr:  "localhost:8080",
		GRPCAddr:  "localhost:50051",
		Driver:    "sqlite",
		DSN:       filepath.Join(dataPath, "handoff.db"),
		JWTSecret: secret,
		LogLevel:  "info",
		LogFormat: "text",
	})
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	f, err := os.OpenFile(tokenPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	defer f.Close()
	tokenTTL := 30 * 24 * time.Hour
	if err := mintToken(f, []byte(secret), auth.Identity{Subject: "admin", Role: auth.RoleAdmin}, tokenTTL); err != nil {
		return err
	}
	green.Printf("  ✓ Saved admin token: %s\n", tokenPath)

	fmt.Println()
	cyan.Println("  Bootstrap complete!")
	fmt.Printf("  Token expires %s\n", time.Now().Add(tokenTTL).UTC().Format("Jan 02, 2006"))
	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    handoff-gateway serve     # start the gateway")
	fmt.Println("    handoff-admin agents      # list agents")
	fmt.Println()
	return nil
}
