// Command parley runs the messaging server and its operator tools.
//
//	parley [serve]                                 run the server
//	parley create-user -username NAME [-image REF] register an account
//	parley issue-token (-username NAME | -user ID) [-ttl 24h]
//
// Configuration comes from PARLEY_* variables, an optional .env file
// (PARLEY_ENV_FILE, default ".env") and an optional JSON file
// (PARLEY_CONFIG_FILE).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/internal/app"
	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/database"
	dbconfig "parley/pkg/database"
	"parley/pkg/types"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
	exitConfig  = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches the subcommand and maps failures onto exit codes, so
// deferred cleanup always runs before the process exits.
func run(args []string, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve", "create-user", "issue-token":
	case "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		usage(stderr)
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg.Log, stderr)

	switch command {
	case "create-user":
		err = createUser(cfg, logger, args, stdout)
	case "issue-token":
		err = issueToken(cfg, logger, args, stdout)
	default:
		err = serve(cfg, logger)
	}

	var usageErr usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usageErr):
		fmt.Fprintln(stderr, err)
		return exitUsage
	case errors.Is(err, config.ErrInvalidConfig):
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return exitConfig
	default:
		logger.Error("fatal error", "error", err)
		return exitRuntime
	}
}

type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: parley [serve | create-user | issue-token | help] [flags]")
}

func loadConfig() (*config.Config, error) {
	envFile := os.Getenv("PARLEY_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.LoadConfigWithPrecedence(os.Getenv("PARLEY_CONFIG_FILE"))
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func openStore(cfg *config.Config, logger *slog.Logger) (*database.Manager, error) {
	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.WriteTimeout = cfg.Database.WriteTimeout
	dbCfg.BusyRetries = cfg.Database.BusyRetries
	return database.NewManager(dbCfg, logger)
}

func createUser(cfg *config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("username", "", "account name")
	image := fs.String("image", "", "profile image reference, relative to the media URL")
	bio := fs.String("bio", "", "profile text")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "create-user: " + err.Error()}
	}
	if strings.TrimSpace(*username) == "" {
		return usageError{msg: "create-user: -username is required"}
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	user, err := store.CreateUser(ctx, *username, &types.Profile{Image: *image, Bio: *bio})
	if err != nil {
		return err
	}
	return json.NewEncoder(stdout).Encode(map[string]any{"id": user.ID, "username": user.Username})
}

func issueToken(cfg *config.Config, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	userID := fs.Int64("user", 0, "user id")
	username := fs.String("username", "", "account name, resolved to an id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: "issue-token: " + err.Error()}
	}
	if (*userID > 0) == (*username != "") {
		return usageError{msg: "issue-token: exactly one of -user or -username is required"}
	}
	if *ttl <= 0 {
		return usageError{msg: "issue-token: -ttl must be positive"}
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var user *types.User
	if *username != "" {
		user, err = store.ByUsername(ctx, types.NormalizeUsername(*username))
	} else {
		user, err = store.Resolve(ctx, *userID)
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	authn, err := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, store, logger)
	if err != nil {
		return err
	}
	token, err := authn.Issue(user.ID, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
