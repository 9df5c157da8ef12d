package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"silentnet/config"
	"silentnet/crypto"
	"silentnet/history"
	"silentnet/node"
	"silentnet/peers"
	"silentnet/storage"
	"silentnet/ui"
)

const logFileName = "silentnet.log"

type flags struct {
	dataDir   string
	callsign  string
	port      int
	keyBits   int
	logLevel  string
	noMDNS    bool
	noHistory bool
	headless  bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "silentnet",
		Short:        "Peer-to-peer encrypted messaging node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory (default OS config dir, or $"+config.DataDirEnv+")")
	cmd.Flags().StringVar(&f.callsign, "callsign", "", "operator callsign")
	cmd.Flags().IntVar(&f.port, "port", 0, "listening port")
	cmd.Flags().IntVar(&f.keyBits, "key-bits", 0, "RSA key size for this session")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&f.noMDNS, "no-mdns", false, "disable LAN announce and browse")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "keep history in memory only")
	cmd.Flags().BoolVar(&f.headless, "headless", false, "run without the interactive console")

	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	config.LoadDotEnv()

	cfg, cfgPath, err := loadConfig(f.dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	envErr := config.ApplyEnv(cfg)
	applyFlags(cmd, f, cfg)
	dataDir := filepath.Dir(cfgPath)

	logger, closeLog, err := newLogger(cfg.LogLevel, dataDir, f.headless)
	if err != nil {
		return err
	}
	defer closeLog()
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("ignored invalid environment overrides")
	}

	logger.Info().Int("bits", cfg.KeyBits).Msg("generating identity")
	identity, err := crypto.GenerateIdentity(cfg.KeyBits)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity generation failed")
	}

	var store *storage.Store
	if cfg.PersistHistory {
		var dbPath string
		store, dbPath, err = storage.Open(dataDir, cfg.UserID, storage.Options{
			MessageRetention: cfg.MessageRetention(),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("open database")
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("database close")
			}
		}()
		logger.Info().Str("path", dbPath).Msg("message log opened")
	}

	var console *ui.Console
	hooks := node.Hooks{
		OnPeersChanged: func(records []peers.Record) {
			logger.Debug().Int("peers", len(records)).Msg("peer list refreshed")
		},
	}
	if !f.headless {
		hooks.OnMessage = func(peerID string, entry history.Entry) {
			console.PrintMessage(peerID, entry)
		}
		hooks.OnDecryptFailure = func(senderID string, err error) {
			console.PrintDecryptFailure(senderID, err)
		}
		hooks.OnAutoDeleted = func(removed []history.Removed) {
			console.PrintAutoDeleted(removed)
		}
	}

	n, err := node.New(node.Options{
		Config:   cfg,
		Identity: identity,
		Logger:   logger,
		Store:    store,
		Hooks:    hooks,
	})
	if err != nil {
		return err
	}
	console = ui.NewConsole(n, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("node start failed")
	}
	defer n.Stop()

	printBanner(os.Stdout, cfg, cfgPath, n)

	if f.headless {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	}

	return console.Run(ctx, cfg.UserID+"> ")
}

func loadConfig(dataDir string) (*config.NodeConfig, string, error) {
	if dataDir != "" {
		return config.LoadOrCreateIn(dataDir)
	}
	return config.LoadOrCreate()
}

func applyFlags(cmd *cobra.Command, f flags, cfg *config.NodeConfig) {
	if callsign := config.NormalizeCallsign(f.callsign); cmd.Flags().Changed("callsign") && callsign != "" {
		cfg.UserID = callsign
	}
	if cmd.Flags().Changed("port") && f.port > 0 {
		cfg.ListeningPort = f.port
	}
	if cmd.Flags().Changed("key-bits") && f.keyBits > 0 {
		cfg.KeyBits = f.keyBits
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.noMDNS {
		cfg.MDNSEnabled = false
	}
	if f.noHistory {
		cfg.PersistHistory = false
	}
}

// newLogger writes to stderr when headless. With the interactive console
// active, logs go to a file in the data directory so they do not interleave
// with the prompt.
func newLogger(level, dataDir string, headless bool) (zerolog.Logger, func(), error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if !headless {
		file, err := os.OpenFile(filepath.Join(dataDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		out = file
		closeFn = func() { _ = file.Close() }
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return logger, closeFn, nil
}

func printBanner(w io.Writer, cfg *config.NodeConfig, cfgPath string, n *node.Node) {
	fmt.Fprintf(w, "User ID:         %s\n", n.UserID())
	fmt.Fprintf(w, "Listening Port:  %d\n", n.Port())
	fmt.Fprintf(w, "Fingerprint:     %s\n", crypto.FormatFingerprint(n.Fingerprint()))
	fmt.Fprintf(w, "Config File:     %s\n", cfgPath)
	fmt.Fprintf(w, "History:         %s\n", onOff(cfg.PersistHistory))
	fmt.Fprintf(w, "LAN Discovery:   %s\n", onOff(cfg.MDNSEnabled))
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
