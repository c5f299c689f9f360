package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/sessionsync/internal/config"
	"github.com/agentworkforce/sessionsync/internal/httpapi"
	"github.com/agentworkforce/sessionsync/internal/manifest"
	"github.com/agentworkforce/sessionsync/internal/sessionsync"
	"github.com/agentworkforce/sessionsync/internal/watch"
	"github.com/agentworkforce/sessionsync/internal/webdav"
)

func main() {
	configPath := flag.String("config", envOrDefault("SESSIONSYNC_CONFIG", filepath.Join(config.DefaultDataDir(), "config.json")), "configuration file path")
	remoteURL := flag.String("remote-url", strings.TrimSpace(os.Getenv("SESSIONSYNC_REMOTE_URL")), "remote store base URL")
	username := flag.String("username", strings.TrimSpace(os.Getenv("SESSIONSYNC_REMOTE_USERNAME")), "remote store username")
	password := flag.String("password", strings.TrimSpace(os.Getenv("SESSIONSYNC_REMOTE_PASSWORD")), "remote store password")
	hostID := flag.String("host-id", strings.TrimSpace(os.Getenv("SESSIONSYNC_HOST_ID")), "stable host identifier")
	machineName := flag.String("machine-name", strings.TrimSpace(os.Getenv("SESSIONSYNC_MACHINE_NAME")), "display name published to other machines")
	dataDir := flag.String("data-dir", strings.TrimSpace(os.Getenv("SESSIONSYNC_DATA_DIR")), "local state directory")
	roots := flag.String("roots", strings.TrimSpace(os.Getenv("SESSIONSYNC_ROOTS")), "comma-separated session root directories")
	manifestDSN := flag.String("manifest-dsn", strings.TrimSpace(os.Getenv("SESSIONSYNC_MANIFEST_DSN")), "manifest backend DSN (file://, memory://, postgres://)")
	interval := flag.Duration("interval", durationEnv("SESSIONSYNC_INTERVAL", 5*time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SESSIONSYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SESSIONSYNC_TIMEOUT", 10*time.Minute), "per-cycle timeout")
	minFileIdle := flag.Duration("min-file-idle", durationEnv("SESSIONSYNC_MIN_FILE_IDLE", 30*time.Second), "skip files written more recently than this")
	minRequestInterval := flag.Duration("min-request-interval", durationEnv("SESSIONSYNC_MIN_REQUEST_INTERVAL", 1500*time.Millisecond), "minimum delay between remote requests")
	maxRetries := flag.Int("max-retries", intEnv("SESSIONSYNC_MAX_RETRIES", 3), "retries per remote request")
	apiAddr := flag.String("api-addr", envOrDefault("SESSIONSYNC_API_ADDR", "127.0.0.1:7600"), "status API listen address (empty disables)")
	apiToken := flag.String("api-token", strings.TrimSpace(os.Getenv("SESSIONSYNC_API_TOKEN")), "status API bearer token")
	watchRoots := flag.Bool("watch", boolEnv("SESSIONSYNC_WATCH", true), "trigger sync on local session file changes")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Remote != nil {
		*remoteURL = firstNonEmpty(*remoteURL, cfg.Remote.URL)
		*username = firstNonEmpty(*username, cfg.Remote.Username)
		*password = firstNonEmpty(*password, cfg.Remote.Password)
	}
	*hostID = firstNonEmpty(*hostID, cfg.HostID, config.DefaultHostID())
	*machineName = firstNonEmpty(*machineName, cfg.MachineName, *hostID)
	*dataDir = firstNonEmpty(*dataDir, cfg.DataDir, config.DefaultDataDir())
	rootList := splitRoots(*roots)
	if len(rootList) == 0 {
		rootList = cfg.Roots
	}
	*manifestDSN = firstNonEmpty(*manifestDSN, cfg.Manifest.DSN, "file://"+filepath.Join(*dataDir, "manifest.json"))
	*apiToken = firstNonEmpty(*apiToken, cfg.API.AuthToken)
	if cfg.API.Addr != "" && *apiAddr == "127.0.0.1:7600" {
		*apiAddr = cfg.API.Addr
	}
	if d, err := config.Duration(cfg.SyncInterval, *interval); err != nil {
		log.Fatalf("config syncInterval: %v", err)
	} else {
		*interval = d
	}
	if d, err := config.Duration(cfg.MinFileIdle, *minFileIdle); err != nil {
		log.Fatalf("config minFileIdle: %v", err)
	} else {
		*minFileIdle = d
	}
	if d, err := config.Duration(cfg.Pacing.MinRequestInterval, *minRequestInterval); err != nil {
		log.Fatalf("config pacing.minRequestInterval: %v", err)
	} else {
		*minRequestInterval = d
	}
	if cfg.Pacing.MaxRetries != nil {
		*maxRetries = *cfg.Pacing.MaxRetries
	}

	if strings.TrimSpace(*remoteURL) == "" {
		log.Fatalf("remote URL is required (--remote-url, SESSIONSYNC_REMOTE_URL, or config remote.url)")
	}
	if len(rootList) == 0 {
		log.Fatalf("at least one session root is required (--roots, SESSIONSYNC_ROOTS, or config roots)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("create data directory %s: %v", *dataDir, err)
	}

	backend, err := manifest.BuildBackendFromDSN(*manifestDSN)
	if err != nil {
		log.Fatalf("manifest backend: %v", err)
	}
	man := manifest.Open(backend)

	client, err := webdav.NewClient(webdav.Options{
		BaseURL:            *remoteURL,
		Username:           *username,
		Password:           *password,
		MinRequestInterval: *minRequestInterval,
		MaxRetries:         *maxRetries,
		Logger:             log.Default(),
	})
	if err != nil {
		log.Fatalf("remote store client: %v", err)
	}

	staticRoots := make(sessionsync.StaticRoots, 0, len(rootList))
	for _, root := range rootList {
		staticRoots = append(staticRoots, sessionsync.LocalRoot{Path: root, Name: filepath.Base(root)})
	}

	engine, err := sessionsync.New(sessionsync.Options{
		Store:            client,
		Manifest:         man,
		HostID:           *hostID,
		MachineName:      *machineName,
		Projects:         staticRoots,
		CacheDir:         filepath.Join(*dataDir, "remote"),
		MachinesDir:      filepath.Join(*dataDir, "machines"),
		HistoryPath:      filepath.Join(*dataDir, "history.jsonl"),
		SessionNamesPath: filepath.Join(*dataDir, "session-names.json"),
		MinFileIdle:      *minFileIdle,
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probeCtx, probeCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if !engine.TestConnection(probeCtx) {
		log.Printf("remote store %s is not reachable yet, will keep trying", *remoteURL)
	}
	probeCancel()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := engine.Sync(ctx); err != nil {
			if errors.Is(err, sessionsync.ErrSyncInProgress) {
				return
			}
			log.Printf("sync cycle failed: %v", err)
		}
	}

	run()
	if *once {
		return
	}

	if *apiAddr != "" {
		api := &http.Server{
			Addr:    *apiAddr,
			Handler: httpapi.NewServer(engine, httpapi.ServerConfig{AuthToken: *apiToken}, log.Default()),
		}
		go func() {
			log.Printf("status API listening on %s", *apiAddr)
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status API stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = api.Shutdown(shutdownCtx)
		}()
	}

	if *watchRoots {
		watcher, err := watch.New(watch.Config{
			Roots:   rootList,
			Trigger: run,
			Logger:  log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize watcher: %v", err)
		}
		if err := watcher.Start(); err != nil {
			log.Fatalf("failed to start watcher: %v", err)
		}
		defer watcher.Stop()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("sync daemon stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func splitRoots(raw string) []string {
	var roots []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			roots = append(roots, part)
		}
	}
	return roots
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
