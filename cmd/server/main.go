package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/server"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run wires every component, serves until a termination signal arrives and
// returns the process exit code. Deferred cleanups run before main exits.
func run() (int, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return 1, err
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}

	log, logFile := server.NewLogger(cfg)
	defer func() {
		_ = logFile.Close()
	}()

	st, err := server.OpenStore(cfg, log)
	if err != nil {
		return 1, fmt.Errorf("opening store: %w", err)
	}
	closeStore := sync.OnceValue(st.Close)
	defer func() {
		_ = closeStore()
	}()

	registry := chat.NewRegistry(log)
	accounts := auth.NewService(st, auth.NewPasswordHasher(cfg.BcryptCost), log)
	sessions := auth.NewSessionManager(auth.SessionConfig{
		Secret: cfg.SecretKey,
		TTL:    cfg.SessionTTL,
		Secure: cfg.SecureCookies,
	})

	handlers, err := server.NewHandlers(server.Dependencies{
		Config:   cfg,
		Registry: registry,
		Store:    st,
		Auth:     accounts,
		Sessions: sessions,
		Logger:   log,
	})
	if err != nil {
		return 1, err
	}

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))
	ln, err := net.Listen("tcp", cfg.Port)
	if err != nil {
		return 1, fmt.Errorf("failed to listen on %s: %w", cfg.Port, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, ln, log)
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		// One operation keeps the steps ordered: chat connections first, then
		// the listener, then the store they write to.
		"groupchat": func(ctx context.Context) error {
			log.Info("graceful shutdown initiated")
			chatErr := handlers.Shutdown(ctx)
			httpErr := server.ShutdownServer(ctx, httpServer, log)
			return errors.Join(chatErr, httpErr, closeStore())
		},
	})

	select {
	case err := <-serveErr:
		if err != nil {
			return 1, fmt.Errorf("server failed: %w", err)
		}
		// Serve only returns cleanly once the shutdown operation closed it.
		exitCode := <-wait
		log.Info("application exited", "code", exitCode)
		return exitCode, nil
	case exitCode := <-wait:
		log.Info("application exited", "code", exitCode)
		return exitCode, nil
	}
}
