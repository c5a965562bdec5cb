// Command server runs the card-game platform server described in
// spec §4.11: it loads configuration, opens the two sqlite databases,
// binds the TCP/UDP sockets, and serves connections until signaled to
// stop.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/cryptoauth"
	"github.com/freekill-go/serverd/internal/netio"
	"github.com/freekill-go/serverd/internal/scheduler"
	"github.com/freekill-go/serverd/internal/serverfacade"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/workerpool"
)

const (
	defaultConfigPath = "freekill.server.config.json"
	defaultListenAddr = ":9527"
	serverVersion     = "0.5.14+"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	logger.Info("freekill-go server starting", zap.String("version", serverVersion))

	cfgPath := defaultConfigPath
	if p := os.Getenv("FREEKILL_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("config loaded", zap.Int("capacity", cfg.Capacity), zap.Bool("enableWhitelist", cfg.EnableWhitelist))

	dataDir := envOr("FREEKILL_DATA_DIR", "server")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	keys, err := cryptoauth.LoadOrGenerate(filepath.Join(dataDir, "rsa"), filepath.Join(dataDir, "rsa_pub"))
	if err != nil {
		return fmt.Errorf("loading key pair: %w", err)
	}
	logger.Info("key pair ready", zap.String("fingerprint", keys.Fingerprint()))

	authDB, err := storage.OpenAuthDB(filepath.Join(dataDir, "users.db"))
	if err != nil {
		return fmt.Errorf("opening auth database: %w", err)
	}
	defer authDB.Close()

	gameDB, err := storage.NewWorker(filepath.Join(dataDir, "game.db"))
	if err != nil {
		return fmt.Errorf("opening game-save database: %w", err)
	}
	defer gameDB.Stop()

	packagesDir := envOr("FREEKILL_PACKAGES_DIR", filepath.Join(dataDir, "packages"))

	var srv *serverfacade.Server
	factory := newThreadFactory(os.Getenv("FREEKILL_SCRIPT_ENGINE"), dataDir, logger, func() scheduler.ServerMethods { return srv.RPCMethods() })

	srv = serverfacade.New(serverfacade.Deps{
		Config:      cfg,
		Logger:      logger,
		Keys:        keys,
		AuthDB:      authDB,
		GameDB:      gameDB,
		PackagesDir: packagesDir,
		Factory:     factory,
	})

	addr := envOr("FREEKILL_LISTEN_ADDR", defaultListenAddr)
	discovery := netio.NewDiscovery(netio.ServerInfo{
		Version:     serverVersion,
		IconURL:     cfg.IconURL,
		Description: cfg.Description,
		Capacity:    cfg.Capacity,
		OnlineCount: func() int { return srv.OnlineCount() },
	})
	acceptor, err := netio.Listen(addr, srv.HandleNewConnection, discovery, logger)
	if err != nil {
		return fmt.Errorf("binding listeners on %s: %w", addr, err)
	}
	defer acceptor.Close()
	logger.Info("listening", zap.String("addr", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.Run(gctx)
	})
	g.Go(func() error {
		srv.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		return runMD5Refresh(gctx, srv)
	})

	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

const md5RefreshInterval = 5 * time.Minute

func runMD5Refresh(ctx context.Context, srv *serverfacade.Server) error {
	ticker := time.NewTicker(md5RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			srv.RefreshMD5()
		}
	}
}

// newThreadFactory builds the workerpool.ThreadFactory that spins up a
// worker thread's scheduler bridge (spec §4.9). With
// FREEKILL_SCRIPT_ENGINE set, it spawns that binary as a subprocess,
// wiring its stdin/stdout as the forward (server -> engine)
// HandleRequest channel and a per-thread unix socket the subprocess
// dials back on for the reverse (engine -> server) ServerMethods
// channel, since a single stdio pipe pair cannot carry both
// directions' independently-initiated calls without a multiplexing
// layer the script engine (out of scope per spec §4.9) was never
// specified to implement. Without it, each thread gets an in-process
// loopback pair served by scheduler.ServeStub, exercising the same
// Client/Dispatcher plumbing in local development and tests.
func newThreadFactory(enginePath, dataDir string, logger *zap.Logger, methods func() scheduler.ServerMethods) workerpool.ThreadFactory {
	return func(threadID int64) (*scheduler.Client, error) {
		if enginePath == "" {
			return newLoopbackClient(threadID, logger), nil
		}
		return spawnEngineClient(threadID, enginePath, dataDir, logger, methods)
	}
}

// newLoopbackClient wires a Client directly to scheduler.ServeStub over
// an in-memory net.Pipe, the same transport the scheduler tests use.
func newLoopbackClient(threadID int64, logger *zap.Logger) *scheduler.Client {
	stubConn, clientConn := net.Pipe()
	go func() {
		if err := scheduler.ServeStub(scheduler.NewTransport(stubConn)); err != nil {
			logger.Debug("loopback scheduler stub stopped", zap.Int64("thread", threadID), zap.Error(err))
		}
	}()
	return scheduler.NewClient(fmt.Sprintf("thread-%d", threadID), scheduler.NewTransport(clientConn))
}

// pipeReadWriter composes a reader and a writer (generally the two
// halves of two independent io.Pipe()s, or a subprocess's stdout and
// stdin) into the io.ReadWriter scheduler.Transport expects.
type pipeReadWriter struct {
	r io.Reader
	w io.Writer
}

func (p *pipeReadWriter) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeReadWriter) Write(b []byte) (int, error) { return p.w.Write(b) }

// spawnEngineClient launches enginePath as a subprocess per thread,
// wiring its stdio for the forward channel and a per-thread unix
// socket for the reverse channel (see newThreadFactory's doc comment).
func spawnEngineClient(threadID int64, enginePath, dataDir string, logger *zap.Logger, methods func() scheduler.ServerMethods) (*scheduler.Client, error) {
	sockPath := filepath.Join(dataDir, fmt.Sprintf("engine-%d.sock", threadID))
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", sockPath, err)
	}

	cmd := exec.Command(enginePath, "--callback-socket", sockPath, "--thread-id", fmt.Sprint(threadID))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("opening script engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("opening script engine stdout: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		listener.Close()
		return nil, fmt.Errorf("starting script engine %s: %w", enginePath, err)
	}

	go func() {
		conn, err := listener.Accept()
		listener.Close()
		if err != nil {
			logger.Warn("script engine never connected back", zap.Int64("thread", threadID), zap.Error(err))
			return
		}
		defer conn.Close()
		dispatcher := scheduler.NewDispatcher(scheduler.NewTransport(conn), methods(), logger)
		if err := dispatcher.Serve(); err != nil {
			logger.Info("script engine callback channel closed", zap.Int64("thread", threadID), zap.Error(err))
		}
	}()

	go func() {
		_ = cmd.Wait()
	}()

	transport := scheduler.NewTransport(&pipeReadWriter{r: stdout, w: stdin})
	return scheduler.NewClient(fmt.Sprintf("thread-%d", threadID), transport), nil
}
