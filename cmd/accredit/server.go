package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/accredit/internal/api"
	"github.com/kalambet/accredit/internal/catalog"
	"github.com/kalambet/accredit/internal/compliance"
	"github.com/kalambet/accredit/internal/config"
	"github.com/kalambet/accredit/internal/documents"
	"github.com/kalambet/accredit/internal/logger"
	"github.com/kalambet/accredit/internal/pipeline"
	"github.com/kalambet/accredit/internal/scoring"
	"github.com/kalambet/accredit/internal/storage"
	"github.com/kalambet/accredit/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server and worker pool (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, database and worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// app is the wired set of services shared by the HTTP and MCP front ends.
type app struct {
	store  *storage.Store
	deps   api.AppDeps
	runner *worker.Runner
}

func openStore(cfg config.Config) (*storage.Store, error) {
	if cfg.Storage.Driver == storage.DriverPostgres {
		return storage.OpenDSN(storage.DriverPostgres, cfg.Storage.DSN)
	}
	return storage.Open(cfg.Storage.DataDir)
}

func openBlobStore(ctx context.Context, cfg config.Config) (documents.BlobStore, error) {
	d := cfg.Documents
	if d.BlobBackend == "minio" {
		m, err := documents.NewMinioStore(documents.MinioConfig{
			Endpoint:  d.MinioEndpoint,
			AccessKey: d.MinioAccessKey,
			SecretKey: d.MinioSecretKey,
			Bucket:    d.MinioBucket,
			UseSSL:    d.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	dir := d.BlobDir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.DataDir, "blobs")
	}
	return documents.NewFileStore(dir)
}

// loadCatalog reads the catalog at path, or the built-in one when path is empty.
func loadCatalog(path string) (catalog.File, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	if cfg.Catalog.AutoImport {
		f, err := loadCatalog(cfg.Catalog.Path)
		if err != nil {
			store.Close()
			return nil, err
		}
		n, err := catalog.Import(ctx, store, f)
		if err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("catalog imported", "standards", n, "source", catalogSource(cfg.Catalog.Path))
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	weights, err := cfg.Compliance.Weights()
	if err != nil {
		store.Close()
		return nil, err
	}

	docs := documents.NewService(store, blobs)
	orch := pipeline.New(pipeline.Deps{
		Store:        store,
		Text:         docs,
		Catalog:      store,
		Scorer:       scoring.New(),
		StageTimeout: cfg.Pipeline.TimeoutDuration(),
		StageDelay:   cfg.Pipeline.DelayDuration(),
	})
	// Other processes on the same store (accredit mcp next to accredit start)
	// only recover claims idle for longer than a stage may run.
	runner := worker.NewRunner(store, orch, cfg.Pipeline.Workers, cfg.Pipeline.PollDuration(),
		worker.WithLease(cfg.Pipeline.TimeoutDuration()+time.Minute))

	return &app{
		store:  store,
		runner: runner,
		deps: api.AppDeps{
			Store:        store,
			Documents:    docs,
			Orchestrator: orch,
			Aggregator: compliance.New(store, compliance.Config{
				CoverageCeiling: cfg.Compliance.CoverageCeiling,
				CategoryWeights: weights,
			}),
			Runner:    runner,
			JWTSecret: cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
		},
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func catalogSource(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "accredit version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := cfg.RequireJWTSecret(); err != nil {
		return err
	}

	ctx, stop := signalContext(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if ip := net.ParseIP(cfg.Server.Host); cfg.Server.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		printWarning("listening on %s, the API is reachable from other hosts", cfg.Server.Host)
	}
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewAppHandler(a.deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner.Run(gctx)
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "accredit listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type healthStatus struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Jobs     map[string]int `json:"jobs"`
	Workers  *worker.Stats  `json:"workers"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	base := serverURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			printStatus("Server", "running at %s", base)
		default:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		if decodeErr == nil {
			printStatus("Database", "%s", h.Database)
			for _, s := range []string{"queued", "extracting", "parsing", "embedding", "matching", "analyzing", "completed", "failed"} {
				if n := h.Jobs[s]; n > 0 {
					printStatus("Jobs "+s, "%d", n)
				}
			}
			if h.Workers != nil {
				printStatus("Workers", "%d (processed %d, failed %d)", h.Workers.Workers, h.Workers.Processed, h.Workers.Failed)
			}
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Blob backend", "%s", cfg.Documents.BlobBackend)
	printStatus("Catalog", "%s", catalogSource(cfg.Catalog.Path))
	printStatus("Config file", "%s", config.FilePath())
	return nil
}
