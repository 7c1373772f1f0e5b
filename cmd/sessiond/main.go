package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/sessiond/internal/authapi"
	"github.com/alexjbarnes/sessiond/internal/config"
	apperrors "github.com/alexjbarnes/sessiond/internal/errors"
	"github.com/alexjbarnes/sessiond/internal/keeper"
	"github.com/alexjbarnes/sessiond/internal/logging"
	"github.com/alexjbarnes/sessiond/internal/session"
	"github.com/alexjbarnes/sessiond/internal/state"
)

var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("sessiond starting",
		slog.String("version", Version),
		slog.String("backend", cfg.AuthBaseURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.LoadAt(cfg.StatePath(), cfg.StatePassphrase)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	client := authapi.NewClient(cfg.AuthBaseURL, &http.Client{Timeout: 30 * time.Second})

	manager := session.NewManager(session.Options{
		Threshold:   cfg.RefreshThreshold(),
		MaxRetries:  cfg.RefreshMaxRetries,
		RetryDelay:  cfg.RefreshRetryDelay(),
		AutoRefresh: cfg.AutoRefresh,
	}, logger)
	defer manager.Dispose()

	k := keeper.New(client, store, manager, cfg.DeviceName, logger)

	if err := k.Restore(); err != nil {
		return err
	}

	// Subcommands act on the restored session and exit.
	if len(args) > 0 {
		return runCommand(ctx, args, k, cfg, logger)
	}

	if err := signIn(ctx, k, cfg, logger); err != nil {
		return err
	}

	return keepAlive(ctx, k, cfg, logger)
}

// runCommand dispatches one-shot subcommands. Each needs a live access
// token, so EnsureFresh runs first.
func runCommand(ctx context.Context, args []string, k *keeper.Keeper, cfg *config.Config, logger *slog.Logger) error {
	switch args[0] {
	case "sessions":
		if err := signIn(ctx, k, cfg, logger); err != nil {
			return err
		}

		return printSessions(ctx, k)
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: sessiond revoke <session-id>")
		}

		if err := signIn(ctx, k, cfg, logger); err != nil {
			return err
		}

		return k.RevokeSession(ctx, args[1])
	case "logout":
		if err := k.EnsureFresh(ctx); err != nil {
			logger.Warn("could not refresh before logout", slog.String("error", err.Error()))
		}

		return k.Logout(ctx)
	case "logout-all":
		if err := k.EnsureFresh(ctx); err != nil {
			logger.Warn("could not refresh before logout", slog.String("error", err.Error()))
		}

		return k.LogoutAll(ctx)
	default:
		return fmt.Errorf("unknown command %q (sessions, revoke, logout, logout-all)", args[0])
	}
}

// signIn ensures an authenticated session: restore plus refresh when
// credentials exist, otherwise an interactive OTP login.
func signIn(ctx context.Context, k *keeper.Keeper, cfg *config.Config, logger *slog.Logger) error {
	if k.HasCredentials() {
		err := k.EnsureFresh(ctx)
		if err == nil {
			logger.Info("session refreshed from persisted credentials")
			return nil
		}

		if !errors.Is(err, apperrors.ErrRefreshExhausted) && !errors.Is(err, apperrors.ErrNoRefreshCredential) {
			return err
		}

		logger.Warn("persisted credentials rejected, falling back to login")
	}

	return loginOTP(ctx, k, cfg)
}

// loginOTP runs the interactive email code flow on stdin/stderr.
func loginOTP(ctx context.Context, k *keeper.Keeper, cfg *config.Config) error {
	reader := bufio.NewReader(os.Stdin)

	email := cfg.Email
	if email == "" {
		fmt.Fprint(os.Stderr, "Email: ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading email: %w", err)
		}

		email = strings.TrimSpace(line)
	}

	if err := k.RequestOTP(ctx, email); err != nil {
		return fmt.Errorf("requesting login code: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Code sent to %s\nCode: ", email)

	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}

	if err := k.LoginOTP(ctx, email, strings.TrimSpace(line)); err != nil {
		return fmt.Errorf("verifying login code: %w", err)
	}

	return nil
}

// keepAlive periodically re-checks token freshness until shutdown. The
// renewal timer already covers the happy path; this loop is the
// backstop that notices an unrecoverable session and stops the daemon.
func keepAlive(ctx context.Context, k *keeper.Keeper, cfg *config.Config, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.KeepAliveInterval())
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				err := k.EnsureFresh(gctx)
				if err == nil {
					continue
				}

				if errors.Is(err, apperrors.ErrRefreshExhausted) || errors.Is(err, apperrors.ErrNoRefreshCredential) {
					return fmt.Errorf("session lost: %w", err)
				}

				// Transient failure: the next tick retries.
				logger.Warn("keep-alive check failed", slog.String("error", err.Error()))
			}
		}
	})

	err := g.Wait()
	logger.Info("sessiond stopped")

	return err
}

// printSessions writes the server-side session list to stdout.
func printSessions(ctx context.Context, k *keeper.Keeper) error {
	sessions, err := k.Sessions(ctx)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		marker := " "
		if s.Current {
			marker = "*"
		}

		fmt.Printf("%s %s  %s  last active %s\n",
			marker,
			s.SessionID,
			s.Device,
			time.Unix(s.LastActivity, 0).Format(time.RFC3339),
		)
	}

	return nil
}
