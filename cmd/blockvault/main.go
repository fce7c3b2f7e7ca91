// Command blockvault manages a content-addressed block repository with
// pinning and mark-and-sweep garbage collection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/ipfs/go-cid"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"

	blockvault "github.com/wolfeidau/blockvault"
	"github.com/wolfeidau/blockvault/dag"
	"github.com/wolfeidau/blockvault/gc"
	"github.com/wolfeidau/blockvault/repo"
	"github.com/wolfeidau/blockvault/telemetry"
)

var version = "dev"

const chunkSize = 1 << 20 // 1MiB file chunks

type globals struct {
	Repo     string `help:"Repository path." default:"./blockvault" env:"BLOCKVAULT_REPO"`
	LogLevel string `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogJSON  bool   `help:"Emit JSON logs."`
	Version  kong.VersionFlag
}

type cli struct {
	globals

	Add    addCmd    `cmd:"" help:"Store a file as linked blocks and print the root identifier."`
	Cat    catCmd    `cmd:"" help:"Write a stored file to stdout."`
	Pin    pinCmd    `cmd:"" help:"Pin a block so garbage collection keeps it."`
	Unpin  unpinCmd  `cmd:"" help:"Remove a pin."`
	Pins   pinsCmd   `cmd:"" help:"List pin roots."`
	Root   rootCmd   `cmd:"" help:"Manage the files root."`
	GC     gcCmd     `cmd:"" name:"gc" help:"Run garbage collection once."`
	Daemon daemonCmd `cmd:"" help:"Run the repository daemon with scheduled garbage collection."`
}

type runContext struct {
	ctx    context.Context
	logger *slog.Logger
}

func main() {
	var flags cli
	ktx := kong.Parse(&flags,
		kong.Name("blockvault"),
		kong.Description("Content-addressed block repository with pinning and GC."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rc := &runContext{
		ctx:    ctx,
		logger: newLogger(flags.LogLevel, flags.LogJSON),
	}

	if err := ktx.Run(rc, &flags.globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	}
	return slog.New(handler)
}

func openRepo(rc *runContext, g *globals, opts ...repo.Option) (*repo.Repo, error) {
	opts = append([]repo.Option{repo.WithLogger(rc.logger)}, opts...)
	return repo.Open(g.Repo, opts...)
}

type fileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type addCmd struct {
	Path string `arg:"" help:"File to store." type:"existingfile"`
	Pin  bool   `help:"Pin the root recursively after storing."`
}

func (c *addCmd) Run(rc *runContext, g *globals) error {
	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	data, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}

	// Hold a pin lock for the whole import so a concurrent GC cannot
	// sweep chunks before the root is linked.
	unlocker, err := r.Blockstore().PinLock(rc.ctx)
	if err != nil {
		return err
	}
	defer unlocker.Unlock()

	var links []cid.Cid
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		chunk := data[off:end]
		leaf := blockvault.NewCid(chunk)
		if err := r.Blockstore().Put(rc.ctx, leaf, chunk); err != nil {
			return fmt.Errorf("storing chunk at offset %d: %w", off, err)
		}
		links = append(links, leaf)
	}

	meta, err := json.Marshal(fileMeta{Name: c.Path, Size: int64(len(data))})
	if err != nil {
		return err
	}

	root, err := dag.Add(rc.ctx, r.Blockstore(), meta, links)
	if err != nil {
		return fmt.Errorf("storing root node: %w", err)
	}

	if c.Pin {
		if err := r.Pinner().Pin(rc.ctx, root, true); err != nil {
			return err
		}
	}

	rc.logger.Info("stored file", "path", c.Path, "size", len(data), "chunks", len(links), "pinned", c.Pin)
	fmt.Println(root.String())
	return nil
}

type catCmd struct {
	Cid string `arg:"" help:"Root identifier to read."`
}

func (c *catCmd) Run(rc *runContext, g *globals) error {
	root, err := cid.Decode(c.Cid)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", c.Cid, err)
	}

	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	return writeContent(rc.ctx, r, root)
}

// writeContent streams a stored file to stdout. Leaves carry the data;
// interior nodes carry metadata and the ordered chunk links.
func writeContent(ctx context.Context, r *repo.Repo, c cid.Cid) error {
	raw, err := r.Blockstore().Get(ctx, c)
	if err != nil {
		return err
	}

	links, payload, err := blockvault.DecodeNode(raw)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		_, err = os.Stdout.Write(payload)
		return err
	}
	for _, link := range links {
		if err := writeContent(ctx, r, link); err != nil {
			return err
		}
	}
	return nil
}

type pinCmd struct {
	Cid       string `arg:"" help:"Identifier to pin."`
	Recursive bool   `short:"r" help:"Pin everything reachable from the identifier."`
}

func (c *pinCmd) Run(rc *runContext, g *globals) error {
	target, err := cid.Decode(c.Cid)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", c.Cid, err)
	}

	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Pinner().Pin(rc.ctx, target, c.Recursive); err != nil {
		return err
	}
	return r.Pinner().Flush(rc.ctx)
}

type unpinCmd struct {
	Cid string `arg:"" help:"Identifier to unpin."`
}

func (c *unpinCmd) Run(rc *runContext, g *globals) error {
	target, err := cid.Decode(c.Cid)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", c.Cid, err)
	}

	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Pinner().Unpin(rc.ctx, target); err != nil {
		return err
	}
	return r.Pinner().Flush(rc.ctx)
}

type pinsCmd struct{}

func (c *pinsCmd) Run(rc *runContext, g *globals) error {
	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	direct, err := r.Pinner().DirectKeys(rc.ctx)
	if err != nil {
		return err
	}
	recursive, err := r.Pinner().RecursiveKeys(rc.ctx)
	if err != nil {
		return err
	}

	for _, c := range direct {
		fmt.Printf("%s direct\n", c)
	}
	for _, c := range recursive {
		fmt.Printf("%s recursive\n", c)
	}
	return nil
}

type rootCmd struct {
	Set rootSetCmd `cmd:"" help:"Set the files root."`
	Get rootGetCmd `cmd:"" help:"Print the files root."`
}

type rootSetCmd struct {
	Cid string `arg:"" help:"Identifier of the new files root."`
}

func (c *rootSetCmd) Run(rc *runContext, g *globals) error {
	target, err := cid.Decode(c.Cid)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", c.Cid, err)
	}

	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	return r.SetFilesRoot(rc.ctx, target)
}

type rootGetCmd struct{}

func (c *rootGetCmd) Run(rc *runContext, g *globals) error {
	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	root, err := r.FilesRoot(rc.ctx)
	if err != nil {
		return err
	}
	fmt.Println(root.String())
	return nil
}

type gcCmd struct{}

func (c *gcCmd) Run(rc *runContext, g *globals) error {
	r, err := openRepo(rc, g)
	if err != nil {
		return err
	}
	defer r.Close()

	var stats gc.Stats
	results, err := r.GC(rc.ctx, gc.WithStats(func(s gc.Stats) {
		stats = s
	}))
	if err != nil {
		return err
	}

	for res := range results {
		fmt.Fprintf(os.Stderr, "gc: %v\n", res.Err)
	}

	fmt.Printf("marked %d, scanned %d, removed %d, errors %d in %s\n",
		stats.MarkSetSize, stats.BlocksScanned, stats.BlocksRemoved, stats.Errors, stats.Elapsed.Round(time.Millisecond))

	if stats.Errors > 0 {
		return fmt.Errorf("gc completed with %d errors", stats.Errors)
	}
	return nil
}

type daemonCmd struct {
	MetricsAddr  string        `help:"Address for the metrics endpoint." default:":9090"`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metric export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	GCInterval   time.Duration `help:"How often to run garbage collection." default:"1h"`
	StartupDelay time.Duration `help:"Delay before the first garbage collection run." default:"5m"`
}

func (c *daemonCmd) Run(rc *runContext, g *globals) error {
	shutdownMetrics, err := telemetry.InitMetrics(rc.ctx, telemetry.MetricsConfig{
		ServiceName:      "blockvault",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()

	r, err := openRepo(rc, g, repo.WithInstrumentation())
	if err != nil {
		return err
	}
	defer r.Close()

	manager := gc.New(r.Blockstore(), r.Pinner(), r.Roots(),
		gc.Config{
			Interval:     c.GCInterval,
			StartupDelay: c.StartupDelay,
		},
		gc.WithLogger(rc.logger),
		gc.WithMetrics(otel.Meter("github.com/wolfeidau/blockvault/gc")),
	)
	manager.Start(rc.ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              c.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	rc.logger.Info("daemon started",
		"repo", g.Repo,
		"metrics_addr", c.MetricsAddr,
		"gc_interval", c.GCInterval,
	)

	select {
	case <-rc.ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}

	rc.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		rc.logger.Error("stopping gc manager", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
