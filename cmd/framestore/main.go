// Command framestore acquires frames from simulated detectors into a store,
// or serves a store to acquiring processes over the network.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"framestore/internal/auth"
	"framestore/internal/cert"
	"framestore/internal/config"
	"framestore/internal/home"
	"framestore/internal/logging"
	"framestore/internal/provision"
	"framestore/internal/remote"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:           "framestore",
		Short:         "Detector frame storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			levelFlag, _ := cmd.Flags().GetString("log-level")
			return applyLogLevels(filterHandler, levelFlag)
		},
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("config", "", "session file (default: <home>/framestore.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level, optionally per component: info,writer=debug")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default session file to the home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			path, err := writeDefaultConfig(hd, force)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing session file")

	acquireCmd := &cobra.Command{
		Use:   "acquire",
		Short: "Run every configured detector once",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, cfg, err := loadSession(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return acquire(ctx, cmd, logger, hd, cfg)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured store to remote acquisition clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, cfg, err := loadSession(cmd)
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			noAuth, _ := cmd.Flags().GetBool("no-auth")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, logger, hd, cfg, addr, noAuth)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (default: remote.addr from the session file, else :7100)")
	serveCmd.Flags().Bool("no-auth", false, "accept clients without a token")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(initCmd, acquireCmd, serveCmd, newInspectCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// applyLogLevels parses "level[,component=level...]".
func applyLogLevels(h *logging.ComponentFilterHandler, spec string) error {
	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, levelName, scoped := strings.Cut(part, "=")
		if !scoped {
			levelName = component
		}
		level, err := logging.ParseLevel(levelName)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", part, err)
		}
		if scoped {
			h.SetLevel(component, level)
		} else {
			h.SetDefaultLevel(level)
		}
	}
	return nil
}

func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	flagValue, _ := cmd.Flags().GetString("home")
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	hd, err := home.Default()
	if err != nil {
		return home.Dir{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return hd, nil
}

func writeDefaultConfig(hd home.Dir, force bool) (string, error) {
	if err := hd.EnsureExists(); err != nil {
		return "", err
	}
	path := hd.ConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := config.Default(hd.DataDir()).Marshal()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o640); err != nil { //nolint:gosec // G306: session file holds no secrets by default
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// loadSession reads the session file. Without one in the home directory the
// default session is used.
func loadSession(cmd *cobra.Command) (home.Dir, *config.Config, error) {
	hd, err := resolveHome(cmd)
	if err != nil {
		return home.Dir{}, nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = hd.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return hd, config.Default(hd.DataDir()), nil
	}
	if err != nil {
		return home.Dir{}, nil, err
	}
	return hd, cfg, nil
}

func acquire(ctx context.Context, cmd *cobra.Command, logger *slog.Logger, hd home.Dir, cfg *config.Config) error {
	s, err := provision.Open(ctx, cfg, provision.DefaultFactories(hd, logger))
	if err != nil {
		return err
	}
	written, runErr := s.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	loc, hasLoc := s.Location(closeCtx)
	if err := s.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	out := cmd.OutOrStdout()
	if hasLoc {
		fmt.Fprintf(out, "store: %s\n", loc.StoreURI)
	}
	names := make([]string, 0, len(written))
	for name := range written {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s: %d frames\n", name, written[name])
	}
	return runErr
}

func serve(ctx context.Context, logger *slog.Logger, hd home.Dir, cfg *config.Config, addr string, noAuth bool) error {
	if addr == "" && cfg.Remote != nil {
		addr = cfg.Remote.Addr
	}
	if addr == "" {
		addr = ":7100"
	}

	var tokens *auth.TokenService
	if !noAuth {
		secret := ""
		if cfg.Remote != nil {
			secret = cfg.Remote.Secret
		}
		if secret == "" {
			var err error
			if secret, err = hd.Secret(); err != nil {
				return fmt.Errorf("token secret: %w", err)
			}
		}
		tokens = auth.NewTokenService([]byte(secret), 24*time.Hour)
	}

	w, paths, err := provision.NewWriter(cfg, provision.DefaultFactories(hd, logger))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := w.Close(closeCtx); err != nil {
			logger.Error("close writer", "error", err)
		}
	}()

	srvCfg := remote.ServerConfig{Proxy: w, Tokens: tokens, Logger: logger}
	if cfg.Remote != nil && cfg.Remote.TLSCert != "" {
		reloader, err := cert.NewReloader(cert.Config{CertFile: cfg.Remote.TLSCert, KeyFile: cfg.Remote.TLSKey, Logger: logger})
		if err != nil {
			return err
		}
		defer reloader.Close()
		srvCfg.TLS = reloader.ServerTLS()
	}

	srv, err := remote.NewServer(srvCfg)
	if err != nil {
		return err
	}
	logger.Info("serving store", "addr", addr, "filename", paths.Filename(), "auth", tokens != nil)
	return srv.ListenAndServe(ctx, addr)
}
