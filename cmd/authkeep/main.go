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
	"syscall"
	"time"

	"github.com/alexjbarnes/authkeep/internal/auth"
	"github.com/alexjbarnes/authkeep/internal/clients"
	"github.com/alexjbarnes/authkeep/internal/config"
	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/logging"
	"github.com/alexjbarnes/authkeep/internal/server"
	"github.com/alexjbarnes/authkeep/internal/session"
	"github.com/alexjbarnes/authkeep/internal/state"
	"github.com/alexjbarnes/authkeep/internal/users"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Subcommands run before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "secure-users":
			secureUsers(os.Args[2:])
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := hasher.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// secureUsers prints the users file with every secret hashed, for
// replacing a file that still holds $token$ or $password$ directives.
func secureUsers(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: authkeep secure-users <file>")
		os.Exit(2)
	}

	f, err := users.Load(args[0], users.Options{AutoGenerate: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	for _, r := range f.Generated() {
		fmt.Fprintf(os.Stderr, "generated secret for %s: %s\n", r.Username, r.Generated)
	}

	for _, line := range f.SecureLines() {
		fmt.Println(line)
	}
}

// stores bundles the backend chosen by STORE_BACKEND.
type stores struct {
	codes    auth.CodeStore
	tokens   auth.TokenStore
	sessions session.Backend
	close    func() error
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.StoreBackend == config.BackendBolt {
		st, err := state.LoadAt(cfg.StatePath, logger)
		if err != nil {
			return nil, fmt.Errorf("loading state: %w", err)
		}

		logger.Info("using bolt store", slog.String("path", cfg.StatePath))

		return &stores{
			codes:    st.Codes(),
			tokens:   st.Tokens(),
			sessions: st.Sessions(),
			close:    st.Close,
		}, nil
	}

	logger.Info("using in-memory store")

	return &stores{
		codes:    auth.NewMemoryCodeStore(),
		tokens:   auth.NewMemoryTokenStore(),
		sessions: session.NewMemoryBackend(),
		close:    func() error { return nil },
	}, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authkeep starting",
		slog.String("version", Version),
		slog.String("backend", cfg.StoreBackend),
	)

	userSource, err := users.NewSource(cfg.UsersFile, cfg.UsersOptions(), logger)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	registry, err := clients.Load(cfg.ClientsFile)
	if err != nil {
		return fmt.Errorf("loading clients: %w", err)
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	issuer := auth.NewIssuer(st.codes, st.tokens, cfg.Lifetimes(), logger)
	issuer.StartSweep(cfg.StoreSweepInterval)
	defer issuer.Stop()

	sessions := session.NewStore(st.sessions, cfg.CookiePolicy(), logger)
	sessions.StartSweep(cfg.SessionSweepInterval, cfg.SessionMaxAge)
	defer sessions.Stop()

	mux := server.NewMux(server.MuxConfig{
		Issuer:    issuer,
		Clients:   registry,
		Users:     userSource,
		Sessions:  sessions,
		Logger:    logger,
		ServerURL: cfg.ServerURL,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := userSource.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
			slog.Int("users", userSource.File().Len()),
			slog.Int("clients", registry.Len()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	return g.Wait()
}
