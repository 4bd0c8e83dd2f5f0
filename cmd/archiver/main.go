package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"forum_archive/internal/api"
	"forum_archive/internal/archive"
	"forum_archive/internal/archiver"
	"forum_archive/internal/bot"
	"forum_archive/internal/config"
	"forum_archive/internal/fetcher"
	"forum_archive/internal/indexer"
	"forum_archive/internal/model"
	"forum_archive/internal/registry"
	"forum_archive/internal/scheduler"
	"forum_archive/internal/storage"
)

const usage = `Usage: archiver <command> [args]

Commands:
  serve                  Run the HTTP API, the scheduler and the admin bot
  archive <group|all>    Run an archive pass
  index <group|all>      Run an index pass
  discover [name]        Add matching remote groups to the registry
  groups                 List tracked groups
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("start", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.dispatch(ctx, args[0], args[1:]); err != nil {
		log.Error(args[0], "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app holds the wired components.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	out      io.Writer
	store    *archive.Store
	registry *registry.Registry
	sink     storage.Sink
	archiver *archiver.Archiver
	indexer  *indexer.Indexer
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory %s: %w", cfg.ArchiveDir, err)
	}
	if storage.IsFilePath(cfg.ReportingPath) {
		if dir := filepath.Dir(cfg.ReportingPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	store := archive.New(cfg.ArchiveDir)
	feed := fetcher.New(&http.Client{Timeout: time.Minute}, fetcher.OptionsFromConfig(cfg))

	reg := registry.New(store, feed, log)
	if _, err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	sink, err := storage.Open(ctx, cfg.ReportingPath)
	if err != nil {
		return nil, fmt.Errorf("open reporting database: %w", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		out:      os.Stdout,
		store:    store,
		registry: reg,
		sink:     sink,
		archiver: archiver.New(feed, store, reg, log, archiver.Options{
			WriteConcurrency: cfg.FetchConcurrency,
		}),
		indexer: indexer.New(store, sink, reg, log, indexer.Options{
			ReadConcurrency:  cfg.FetchConcurrency,
			GroupConcurrency: cfg.IndexConcurrency,
		}),
	}, nil
}

func (a *app) close() {
	if err := a.sink.Close(); err != nil {
		a.log.Error("close reporting database", "error", err)
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "archive":
		if len(args) != 1 {
			return errors.New("usage: archive <group|all>")
		}
		if err := a.cfg.RequireToken(); err != nil {
			return err
		}
		if args[0] == "all" {
			groups, err := a.archiver.ArchiveAll(ctx)
			a.printGroups(groups)
			return err
		}
		g, err := a.archiver.ArchiveGroup(ctx, args[0])
		if err != nil {
			return err
		}
		a.printGroups([]model.Group{g})
		return nil
	case "index":
		if len(args) != 1 {
			return errors.New("usage: index <group|all>")
		}
		if args[0] == "all" {
			groups, err := a.indexer.IndexAll(ctx)
			a.printGroups(groups)
			return err
		}
		g, err := a.indexer.IndexGroup(ctx, args[0])
		if err != nil {
			return err
		}
		a.printGroups([]model.Group{g})
		return nil
	case "discover":
		if err := a.cfg.RequireToken(); err != nil {
			return err
		}
		filter := a.cfg.Queries.Groups.Filter
		if len(args) > 0 {
			filter = strings.Join(args, " ")
		}
		groups, err := a.registry.Discover(ctx, a.cfg.Queries.Groups.PublicOnly, filter)
		if err != nil {
			return err
		}
		a.printGroups(groups)
		return nil
	case "groups":
		a.printGroups(a.registry.List())
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) printGroups(groups []model.Group) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tNAME\tPUBLIC\tLAST ARCHIVED\tLAST INDEXED")
	for _, g := range groups {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n",
			g.ID, g.Key, g.Name, g.Public, formatTime(g.LastArchived), formatTime(g.LastIndexed))
	}
	_ = tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// serve runs the HTTP API, the scheduler and the admin bot until ctx is
// cancelled.
func (a *app) serve(ctx context.Context) error {
	remote := a.cfg.RequireToken() == nil
	if !remote {
		a.log.Warn("no access token configured, scheduled sync disabled")
	}

	srv := api.New(api.Deps{
		Groups:   a.registry,
		Archive:  a.store,
		Archiver: a.archiver,
		Indexer:  a.indexer,
		Sink:     a.sink,
	}, api.Options{
		Addr:       a.cfg.HTTPAddr,
		PublicOnly: a.cfg.Queries.Groups.PublicOnly,
		NameFilter: a.cfg.Queries.Groups.Filter,
	}, a.log)

	sched := scheduler.New(a.registry, a.archiver, a.indexer, a.log, a.cfg.SyncInterval)
	sched.SetConcurrency(a.cfg.IndexConcurrency)

	eg, ctx := errgroup.WithContext(ctx)

	if a.cfg.TelegramBotToken != "" {
		b, err := bot.New(a.cfg.TelegramBotToken, bot.Deps{
			Groups:     a.registry,
			Archiver:   a.archiver,
			Indexer:    a.indexer,
			Activities: a.sink,
		}, a.cfg, a.log)
		if err != nil {
			return err
		}
		sched.SetNotifier(b, a.cfg.AllowedUsers)
		eg.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}

	if remote && a.cfg.SyncInterval > 0 {
		eg.Go(func() error {
			sched.Run(ctx)
			return nil
		})
	}

	eg.Go(srv.ListenAndServe)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.log.Info("serving", "addr", a.cfg.HTTPAddr, "sync_interval", a.cfg.SyncInterval)
	err := eg.Wait()
	a.log.Info("stopped")
	return err
}
