package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	drjwt "github.com/Strob0t/DeskRelay/internal/adapter/jwt"
	drnats "github.com/Strob0t/DeskRelay/internal/adapter/nats"
	"github.com/Strob0t/DeskRelay/internal/adapter/postgres"
	"github.com/Strob0t/DeskRelay/internal/config"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/middleware"
	"github.com/Strob0t/DeskRelay/internal/service"
)

// stdout receives command results. Prompts and progress go to stderr.
var stdout io.Writer = os.Stdout

// runAdmin dispatches admin subcommands (migrate, hash-key, mint-token, publish).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "hash-key":
		return runAdminHashKey(args[1:])
	case "mint-token":
		return runAdminMintToken(args[1:])
	case "publish":
		return runAdminPublish(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: deskrelay admin <command> [options]

Commands:
  migrate      Apply, roll back or inspect read-model migrations
  hash-key     Hash a publisher API key for server.ingest_key_hash
  mint-token   Sign a development bearer token with the configured secret
  publish      Publish a domain event to the NATS stream
  help         Show this help message

Examples:
  deskrelay admin migrate
  deskrelay admin migrate --down 1
  deskrelay admin hash-key
  deskrelay admin mint-token --user-id 3 --role manager --department 2
  deskrelay admin publish --channel spaces --kind updated --id 7 --payload '{"id":7,"name":"Room A"}'
`)
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runAdminMigrate(args []string) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "print the current schema version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *down < 0 {
		return errors.New("--down must be positive")
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch {
	case *status:
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "schema version: %d\n", v)
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *down)
	default:
		n, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Applied %d migration(s)\n", n)
	}
	return nil
}

func runAdminHashKey(args []string) error {
	fs := pflag.NewFlagSet("hash-key", pflag.ContinueOnError)
	key := fs.String("key", "", "API key to hash (prompted if not provided)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := *key
	if k == "" {
		var err error
		k, err = promptPassword("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptPassword("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if k != confirm {
			return errors.New("keys do not match")
		}
	}

	hash, err := middleware.HashAPIKey(k)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func runAdminMintToken(args []string) error {
	fs := pflag.NewFlagSet("mint-token", pflag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "user id (required)")
	role := fs.String("role", string(identity.RoleEmployee), "role: employee, manager or superadmin")
	dept := fs.Int64("department", 0, "department id (0 for none)")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.dev_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *userID <= 0 {
		return errors.New("--user-id is required")
	}
	r := identity.Role(*role)
	if !identity.ValidRoles[r] {
		return fmt.Errorf("invalid role: %s", *role)
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}

	id := identity.Identity{UserID: *userID, Role: r}
	if *dept > 0 {
		id.DepartmentID = dept
	}
	lifetime := cfg.Auth.DevTokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := drjwt.New(cfg.Auth).Mint(id, lifetime)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runAdminPublish(args []string) error {
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	ch := fs.String("channel", "", "channel: announcements, spaces or bookings (required)")
	kind := fs.String("kind", "", "kind: created, updated or deleted (required)")
	resourceID := fs.Int64("id", 0, "resource id (required)")
	payload := fs.String("payload", "", "resource JSON (required unless --kind deleted)")
	owner := fs.Int64("owner", 0, "owning user id (bookings)")
	dept := fs.Int64("department", 0, "department id (0 for company-wide)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name, err := channel.Parse(*ch)
	if err != nil {
		return err
	}
	ev := channel.Event{
		Channel:    name,
		Kind:       channel.Kind(*kind),
		ResourceID: *resourceID,
		Audience:   channel.Audience{UserID: *owner},
	}
	if *dept > 0 {
		ev.Audience.DepartmentID = dept
	}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			return errors.New("--payload is not valid JSON")
		}
		ev.Payload = json.RawMessage(*payload)
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue, err := drnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	if err := service.NewQueuePublisher(queue).PublishEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Published %s %s event for resource %d\n", ev.Channel, ev.Kind, ev.ResourceID)
	return nil
}

// promptPassword reads a secret from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
