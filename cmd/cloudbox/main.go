package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cloudbox/internal/client"
	"cloudbox/internal/config"
	"cloudbox/internal/logging"
	"cloudbox/internal/opsserver"
	"cloudbox/internal/server"
	"cloudbox/internal/store"
	"cloudbox/internal/tracker"
)

const defaultAddr = "127.0.0.1:9000"

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cloudbox <command> [flags] [args]

commands:
  serve                    run the file server
  ping                     check that a server answers
  ls                       list stored files
  put <local> [remote]     upload a file
  get <remote> [local]     download a file
  rm <remote>              delete a file
  mv <remote> <new-name>   rename a file in place
  watch <dir>              upload files as they appear in dir

run "cloudbox <command> -h" for flags`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = serveCmd(ctx, args)
	case "ping", "ls", "put", "get", "rm", "mv", "watch":
		err = clientCmd(ctx, cmd, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	_ = logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudbox %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var (
		cfgPath   = fs.String("config", "", "path to config yaml (optional)")
		listen    = fs.String("listen", config.DefaultListen, "file protocol listen address")
		root      = fs.String("root", "", "storage root (required if -config is not set)")
		maxConns  = fs.Int("max-conns", 0, "concurrent session cap (0 = none)")
		opsListen = fs.String("ops", "", "ops HTTP listen address for /healthz, /metrics (empty = off)")
		webdav    = fs.Bool("webdav", false, "serve the root read-only at /dav/ on the ops listener")
		logLevel  = fs.String("log-level", config.DefaultLogLevel, "debug, info, warn, error")
		logFormat = fs.String("log-format", config.DefaultLogFormat, "json or console")
	)
	_ = fs.Parse(args)

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	// explicit flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "root":
			cfg.Root = *root
		case "max-conns":
			cfg.MaxConns = *maxConns
		case "ops":
			cfg.Ops.Listen = *opsListen
		case "webdav":
			cfg.Ops.WebDAV = *webdav
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: cfg.Log.Output}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	st, err := store.New(cfg.Root, cfg.ChunkSize)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Options{
		Addr:      cfg.Listen,
		Store:     st,
		MaxConns:  cfg.MaxConns,
		ChunkSize: cfg.ChunkSize,
	})
	if err != nil {
		return err
	}
	if _, err := srv.Listen(); err != nil {
		return err
	}
	logging.Info("save path", zap.String("root", st.Root()))

	var ops *opsserver.Server
	if cfg.Ops.Listen != "" {
		ops, err = opsserver.New(opsserver.Options{
			Addr:   cfg.Ops.Listen,
			Root:   st.Root(),
			WebDAV: cfg.Ops.WebDAV,
			Ready:  func() bool { return srv.Addr() != nil },
		})
		if err != nil {
			return err
		}
		go func() {
			if err := ops.ListenAndServe(); err != nil {
				logging.Error("ops listener", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logging.Info("shutting down")
		_ = srv.Stop()
		if ops != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ops.Shutdown(sctx)
		}
	}()

	err = srv.Serve()
	srv.Wait()
	if errors.Is(err, server.ErrServerClosed) {
		logging.Info("stopped")
		return nil
	}
	return err
}

func clientCmd(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		addr    = fs.String("addr", defaultAddr, "server address")
		timeout = fs.Duration("timeout", 0, "overall operation timeout (0 = none)")
		verbose = fs.Bool("v", false, "log client activity")
		prefix  = fs.String("prefix", "", "watch: remote folder to upload into")
		settle  = fs.Duration("settle", 500*time.Millisecond, "watch: quiet period before a changed file is sent")
		all     = fs.Bool("existing", false, "watch: also upload files already in the directory")
	)
	_ = fs.Parse(args)
	rest := fs.Args()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return err
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	c := client.New(*addr)
	need := func(n int, what string) error {
		if len(rest) < n {
			return fmt.Errorf("usage: cloudbox %s %s", cmd, what)
		}
		return nil
	}

	switch cmd {
	case "ping":
		if !c.Probe(ctx) {
			return fmt.Errorf("%s unreachable", *addr)
		}
		fmt.Println("ok")
		return nil
	case "watch":
		if err := need(1, "<dir>"); err != nil {
			return err
		}
		return c.Watch(ctx, client.WatchOptions{
			Dir:      rest[0],
			Prefix:   *prefix,
			Settle:   *settle,
			Existing: *all,
			OnUpload: func(tr client.Transfer, err error) {
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", tr.Local, err)
					return
				}
				fmt.Printf("%s -> %s (%s)\n", tr.Local, tr.Remote, tracker.FormatSize(tr.Size))
			},
		})
	}

	ws := tracker.NewWorkspace(c, tracker.New())
	events := ws.Tracker().Subscribe()
	defer ws.Tracker().Unsubscribe(events)
	go printProgress(events)

	if err := <-ws.Connect(ctx); err != nil {
		return err
	}

	switch cmd {
	case "ls":
		for _, r := range ws.Tracker().Records() {
			fmt.Printf("%-8s %s\n", r.SizeText, r.Path)
		}
		return nil
	case "put":
		if err := need(1, "<local> [remote]"); err != nil {
			return err
		}
		remote := filepath.Base(rest[0])
		if len(rest) > 1 {
			remote = rest[1]
		}
		return <-ws.Upload(ctx, rest[0], remote)
	case "get":
		if err := need(1, "<remote> [local]"); err != nil {
			return err
		}
		local := path.Base(rest[0])
		if len(rest) > 1 {
			local = rest[1]
		}
		return <-ws.Download(ctx, rest[0], local)
	case "rm":
		if err := need(1, "<remote>"); err != nil {
			return err
		}
		return <-ws.Delete(ctx, rest[0])
	case "mv":
		if err := need(2, "<remote> <new-name>"); err != nil {
			return err
		}
		return <-ws.Rename(ctx, rest[0], rest[1])
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// printProgress draws transfer progress on stderr.
func printProgress(events <-chan tracker.Event) {
	for ev := range events {
		switch ev.Kind {
		case tracker.EventRecord:
			r := ev.Record
			fmt.Fprintf(os.Stderr, "\r%-11s %3d%% %s", r.Status, r.Progress, r.Name)
			if r.Status == tracker.StatusDone || r.Status == tracker.StatusFailed {
				fmt.Fprintln(os.Stderr)
			}
		case tracker.EventState:
			if !ev.State.Connected && ev.State.Reason != "" {
				fmt.Fprintf(os.Stderr, "disconnected: %s\n", ev.State.Reason)
			}
		}
	}
}
