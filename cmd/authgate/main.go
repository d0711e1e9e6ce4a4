package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/captjt/authgate/auth"
	"github.com/captjt/authgate/bootstrap"
	"github.com/captjt/authgate/guard"
	"github.com/captjt/authgate/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	switch cmd {
	case "secret":
		runSecret()
	case "info":
		runInfo(os.Args[2:])
	case "init":
		runInit()
	case "generate":
		runGenerate(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "grant-role":
		runGrantRole(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("authgate CLI")
	fmt.Println("Usage: authgate <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  secret                         Generate a high-entropy secret")
	fmt.Println("  info [--config path]           Print CLI, build and schema metadata")
	fmt.Println("  init                           Create a starter authgate config file")
	fmt.Println("  generate [--dialect d] [--output file]")
	fmt.Println("                                 Generate SQL schema for a dialect")
	fmt.Println("  migrate --dialect d --dsn dsn")
	fmt.Println("                                 Apply migrations to a target database")
	fmt.Println("  serve --config path [--addr :8080]")
	fmt.Println("                                 Start the gateway from a single config file")
	fmt.Println("  grant-role --config path --email e --role r")
	fmt.Println("                                 Set the role of an existing user")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runSecret() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fatalf("failed to generate secret: %v", err)
	}
	fmt.Println(base64.RawStdEncoding.EncodeToString(buf))
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "", "optional config; reports the applied schema version of its database")
	_ = fs.Parse(args)

	payload := map[string]any{
		"name":              "authgate",
		"version":           auth.Version,
		"schemaVersion":     migrations.CurrentVersion,
		"supportedDialects": []string{"postgres", "mysql", "sqlite"},
		"roles":             guard.Roles(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}

	if strings.TrimSpace(*configPath) != "" {
		cfg, err := bootstrap.LoadFile(*configPath)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		if cfg.Database != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			db, dialect, err := bootstrap.OpenDatabase(ctx, *cfg.Database)
			if err != nil {
				fatalf("failed to open database: %v", err)
			}
			defer db.Close()
			applied, err := migrations.AppliedVersion(ctx, db, dialect)
			if err != nil {
				fatalf("failed to read schema version: %v", err)
			}
			payload["appliedSchemaVersion"] = applied
			payload["schemaUpToDate"] = applied == migrations.CurrentVersion
		}
	}

	b, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(b))
}

func runInit() {
	cwd, err := os.Getwd()
	if err != nil {
		fatalf("failed to resolve current directory: %v", err)
	}

	path := filepath.Join(cwd, "authgate.example.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("%s already exists\n", path)
		return
	}

	content := strings.TrimSpace(`appName: "Telehealth"
basePath: "/api/auth"
secret: "${AUTHGATE_SECRET}"
trustedOrigins:
  - "http://localhost:3000"
server:
  addr: ":8080"
  shutdownTimeout: "10s"
database:
  dialect: "sqlite"
  dsn: "file:authgate.db"
  autoMigrate: true
emailPassword:
  enabled: true
  defaultRole: "patient"
  allowedSignUpRoles: ["patient", "gp", "specialist", "pharmacy", "diagnostic-center"]
session:
  cookieName: "authgate_session"
  duration: "168h"
passwordReset:
  enabled: true
  tokenTtl: "30m"
  resetUrl: "http://localhost:3000/reset-password"
smtp:
  host: "localhost"
  port: 1025
  from: "no-reply@localhost"
oauth:
  successRedirect: "/patient"
  providers: []
rateLimit:
  preset: "auth"
  identifier: "forwarded"
  store: "memory"
  sweepInterval: "10m"
logging:
  level: "info"
  format: "json"
metrics:
  enabled: true
  path: "/metrics"`) + "\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		fatalf("failed to write %s: %v", path, err)
	}
	fmt.Printf("created %s\n", path)
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	dialectValue := fs.String("dialect", "sqlite", "target dialect: postgres|mysql|sqlite")
	output := fs.String("output", "", "output file path; prints to stdout when empty")
	_ = fs.Parse(args)

	dialect, err := migrations.ParseDialect(*dialectValue)
	if err != nil {
		fatalf("invalid dialect: %v", err)
	}

	script, err := migrations.GenerateSQLScript(dialect)
	if err != nil {
		fatalf("failed to generate SQL: %v", err)
	}

	if strings.TrimSpace(*output) == "" {
		fmt.Println(script)
		return
	}

	if err := os.WriteFile(*output, []byte(script+"\n"), 0o644); err != nil {
		fatalf("failed to write migration SQL: %v", err)
	}
	fmt.Printf("wrote migration SQL to %s\n", *output)
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dialectValue := fs.String("dialect", "sqlite", "target dialect: postgres|mysql|sqlite")
	dsn := fs.String("dsn", "", "database connection string")
	timeout := fs.Duration("timeout", 30*time.Second, "migration timeout")
	_ = fs.Parse(args)

	if strings.TrimSpace(*dsn) == "" {
		fatalf("--dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, dialect, err := bootstrap.OpenDatabase(ctx, bootstrap.DatabaseConfig{Dialect: *dialectValue, DSN: *dsn})
	if err != nil {
		fatalf("failed to connect to database: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	if err := migrations.Apply(ctx, db, dialect); err != nil {
		fatalf("migration failed: %v", err)
	}

	fmt.Printf("migrations applied successfully (%s)\n", dialect)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "authgate.yaml", "path to authgate YAML config")
	addr := fs.String("addr", "", "listen address; overrides server.addr")
	_ = fs.Parse(args)

	app, err := bootstrap.NewAppFromFile(*configPath)
	if err != nil {
		fatalf("failed to bootstrap server: %v", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *addr); err != nil {
		app.Logger.Error().Err(err).Msg("server stopped")
		_ = app.Close()
		os.Exit(1)
	}
}

func runGrantRole(args []string) {
	fs := flag.NewFlagSet("grant-role", flag.ExitOnError)
	configPath := fs.String("config", "authgate.yaml", "path to authgate YAML config")
	email := fs.String("email", "", "email of the user to update")
	roleValue := fs.String("role", "", "role to grant: "+strings.Join(roleNames(), "|"))
	_ = fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		fatalf("--email is required")
	}
	role, err := guard.ParseRole(*roleValue)
	if err != nil {
		fatalf("invalid role: %v", err)
	}

	cfg, err := bootstrap.LoadFile(*configPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if cfg.Database == nil {
		fatalf("grant-role needs a configured database; the memory store does not persist")
	}
	store, cleanup, err := bootstrap.OpenPrimaryStore(cfg.Database)
	if err != nil {
		fatalf("failed to open database: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	user, err := auth.GrantRole(ctx, store, strings.ToLower(strings.TrimSpace(*email)), role)
	if err != nil {
		fatalf("grant role failed: %v", err)
	}
	fmt.Printf("granted %s to %s (%s)\n", user.Role, user.Email, user.ID)
}

func roleNames() []string {
	roles := guard.Roles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
