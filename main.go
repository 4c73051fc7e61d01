package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tomasmach/secretlounge/cache"
	"github.com/tomasmach/secretlounge/config"
	"github.com/tomasmach/secretlounge/core"
	"github.com/tomasmach/secretlounge/relay"
	"github.com/tomasmach/secretlounge/scheduler"
	"github.com/tomasmach/secretlounge/spam"
	"github.com/tomasmach/secretlounge/stats"
	"github.com/tomasmach/secretlounge/store"
	"github.com/tomasmach/secretlounge/store/json"
	"github.com/tomasmach/secretlounge/store/sqlite"
	"github.com/tomasmach/secretlounge/transport"
)

// cacheExpirySweep is how often the relay's message cache is swept for
// entries past cache.MessageExpiry. Hourly keeps the sweep cheap relative
// to the 24h TTL it enforces.
const cacheExpirySweep = time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("secretlounge", flag.ContinueOnError)
	quiet := fs.Bool("q", false, "log level WARNING")
	debug := fs.Bool("d", false, "log level DEBUG")
	configPath := fs.String("c", "", "path to config file (default ./config.yaml)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: secretlounge [-q|-d] [-c CONFIG]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unknown arguments: %s\n", strings.Join(fs.Args(), " "))
		return 1
	}

	setupLogger(*quiet, *debug)

	cfgPath := config.Resolve(*configPath)
	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	cfg := cfgStore.Get()
	slog.Info("config loaded", "path", cfgPath)

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}()

	ch := cache.New()
	scores := spam.NewKeeper()

	secretSalt := []byte(cfg.SecretSalt)
	engine := core.New(st, ch, scores, core.Config{
		BlacklistContact:   cfg.BlacklistContact,
		EnableSigning:      cfg.EnableSigning,
		AllowRemoveCommand: cfg.AllowRemoveCommand,
		MediaLimitPeriod:   cfg.MediaLimitPeriod(),
		SignInterval:       cfg.SignInterval(),
		SecretSalt:         secretSalt,
	})

	rel := relay.New(st, ch, nil, engine, cfg.LinkedNetwork, secretSalt, 4, 20, 20)
	engine.RegisterSender(rel)

	bot, err := transport.New(cfg.BotToken, engine, rel, ch, version(), cfg.AllowContacts, cfg.AllowDocuments)
	if err != nil {
		slog.Error("failed to create bot", "error", err)
		return 1
	}
	rel.SetTransport(bot)

	sched := scheduler.New()
	engine.RegisterTasks(sched)
	st.RegisterTasks(sched)
	sched.Register(cacheExpirySweep, func() { ch.Expire() })

	statsCollector := stats.New(stats.Sources{
		CacheSize:     ch.Size,
		ActiveUsers:   engine.ActiveUserCounts,
		WarningsGiven: engine.WarningsGiven,
		KarmaGiven:    engine.KarmaGiven,
	})
	statsServer := stats.NewServer(stats.SocketPath(botNameFromToken(cfg.BotToken)), statsCollector)
	if err := statsServer.Start(); err != nil {
		slog.Error("failed to start stats socket", "error", err)
		return 1
	}
	defer statsServer.Stop()

	rel.Start()
	defer rel.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sched.Run()
	}()

	botErrCh := make(chan error, 1)
	go func() { botErrCh <- bot.Run(ctx) }()

	slog.Info("secretlounge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-botErrCh:
		if err != nil {
			slog.Error("bot stopped unexpectedly", "error", err)
		}
	}

	cancel()
	return 0
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database[0] {
	case "json":
		return json.Open(cfg.Database[1])
	case "sqlite":
		return sqlite.Open(cfg.Database[1])
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Database[0])
	}
}

// botNameFromToken extracts the bot id portion of a Telegram token
// ("<id>:<secret>") so multiple bots on one host get distinct stats
// sockets, per spec §6.
func botNameFromToken(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i]
	}
	return ""
}

func setupLogger(quiet, debug bool) {
	level := slog.LevelInfo
	switch {
	case debug:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

// buildVersion is overridden at build time via -ldflags; "dev" otherwise.
var buildVersion = "dev"

func version() string { return buildVersion }
