package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/calrelay/internal/channel"
	"github.com/hitoshi/calrelay/internal/config"
	"github.com/hitoshi/calrelay/internal/database"
	"github.com/hitoshi/calrelay/internal/dedup"
	"github.com/hitoshi/calrelay/internal/google"
	"github.com/hitoshi/calrelay/internal/handler"
	"github.com/hitoshi/calrelay/internal/logger"
	"github.com/hitoshi/calrelay/internal/mapping"
	"github.com/hitoshi/calrelay/internal/metrics"
	"github.com/hitoshi/calrelay/internal/middleware"
	"github.com/hitoshi/calrelay/internal/model"
	"github.com/hitoshi/calrelay/internal/relay"
	"github.com/hitoshi/calrelay/internal/repository"
	"github.com/hitoshi/calrelay/internal/security"
	"github.com/hitoshi/calrelay/internal/worker/cleanup"
	"github.com/hitoshi/calrelay/internal/worker/reconcile"
	"github.com/hitoshi/calrelay/internal/worker/renewal"
)

// mappingFetchTimeout はマッピングソース1回の取得の上限。
const mappingFetchTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = os.Getenv("SERVER_PORT")
		}
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd.usesProvider() && cfg.GoogleCredentialsFile == "" {
		return fmt.Errorf("initialization failed: %w",
			&model.ConfigError{Field: "GOOGLE_CREDENTIALS_FILE", Reason: "required environment variable is not set"})
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.Int("port", cfg.Port),
		slog.String("webhook_url", cfg.WebhookURL()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandReconcile:
		return runReconcile(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとreconcileで共有する依存関係。
type components struct {
	db        *sql.DB
	registry  *prometheus.Registry
	recorder  *metrics.Collector
	cache     *dedup.Cache
	mappings  *mapping.Store
	manager   *channel.Manager
	orch      *relay.Orchestrator
	reconcile *reconcile.Scheduler
	renewal   *renewal.Scheduler
	sweeper   *cleanup.DedupSweeper
}

// build はDB接続を開き、全コンポーネントをワイヤリングする。
// 呼び出し元はcomponents.dbをCloseすること。
func build(cfg *config.Config, log *slog.Logger) (*components, error) {
	credentials, err := os.ReadFile(cfg.GoogleCredentialsFile)
	if err != nil {
		return nil, &model.ConfigError{Field: "GOOGLE_CREDENTIALS_FILE", Reason: err.Error()}
	}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	slog.Info("database connection opened")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(registry)

	// 3. Google APIクライアント
	clients, err := google.NewClientFactory(credentials)
	if err != nil {
		db.Close()
		return nil, &model.ConfigError{Field: "GOOGLE_CREDENTIALS_FILE", Reason: err.Error()}
	}
	limiter := google.NewRateLimiter(cfg.ProviderRPS, int(cfg.ProviderRPS)+1)
	provider := google.NewProvider(clients, limiter, google.ProviderConfig{
		WebhookURL: cfg.WebhookURL(),
		Token:      cfg.WebhookToken,
		ChannelTTL: cfg.ChannelTTL,
	})
	fanout := google.NewFanout(clients, limiter, security.NewDescriptionSanitizer(), log.With(slog.String("component", "fanout")))

	// 4. マッピングストア
	var source mapping.Source
	if cfg.MappingSourceIsURL() {
		client := security.NewURLGuard().NewSafeClient(mappingFetchTimeout)
		source = mapping.NewCSVSource(client, cfg.MappingSource)
	} else {
		source = mapping.NewSheetsSource(clients, cfg.MappingSource, cfg.MappingSheetRange)
	}
	mappings := mapping.NewStore(source, log.With(slog.String("component", "mapping")), recorder, mappingFetchTimeout)

	// 5. 重複排除とチャンネル管理
	cache := dedup.NewCache(cfg.DedupTTL, cfg.DedupMaxEntries)
	repo := repository.NewPostgresChannelRepo(db, cfg.StoreTimeout)
	manager := channel.NewManager(repo, provider, cache, log.With(slog.String("component", "channel")), recorder, channel.Config{
		RenewalThreshold: cfg.ChannelRenewalThreshold,
		ProviderTimeout:  cfg.ProviderTimeout,
		CreateRetry:      channel.RetryPolicy{MaxAttempts: cfg.CreateMaxAttempts},
		RestoreRetry:     channel.RetryPolicy{MaxAttempts: cfg.RestoreMaxAttempts},
		MaxConcurrent:    cfg.ReconcileMaxConcurrent,
	})

	// 6. 通知処理
	orch := relay.NewOrchestrator(cache, manager, mappings, fanout,
		log.With(slog.String("component", "relay")), recorder, cfg.FanoutMaxConcurrent)

	// 7. バックグラウンド処理
	return &components{
		db:        db,
		registry:  registry,
		recorder:  recorder,
		cache:     cache,
		mappings:  mappings,
		manager:   manager,
		orch:      orch,
		reconcile: reconcile.NewScheduler(mappings, manager, log.With(slog.String("component", "reconcile"))),
		renewal:   renewal.NewScheduler(manager, log.With(slog.String("component", "renewal"))),
		sweeper:   cleanup.NewDedupSweeper(cache, recorder, log.With(slog.String("component", "dedup"))),
	}, nil
}

// restore はチャンネルストアから状態を復元する。
// ストアに到達できなくても起動は継続し、調整で自己修復する。
func (c *components) restore(ctx context.Context) {
	if _, err := c.manager.Restore(ctx); err != nil {
		slog.Error("channel restore failed, continuing with no channels", slog.String("error", err.Error()))
	}
}

// runServe はWebhookサーバーとバックグラウンド処理を起動する。
//
// 起動順序は チャンネル復元 → マッピング読み込みと調整 → 定期処理 で、
// 最初の調整サイクルが終わるまで/healthと/webhook/calendarは503を返す。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	checkSchema(cfg.DatabaseURL)

	// 1. チャンネル復元（マッピング不要のため最初に行う）
	c.restore(ctx)

	// 2. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger: log,
		Webhook: handler.NewWebhookHandler(c.orch, handler.WebhookHandlerConfig{
			Token:     cfg.WebhookToken,
			Timeout:   cfg.WebhookTimeout,
			Readiness: c.reconcile,
		}, c.recorder, log),
		Health:      handler.NewHealthHandler(c.reconcile),
		Metrics:     metrics.Handler(c.registry),
		Admin:       handler.NewAdminHandler(c.reconcile, c.manager, log),
		AdminToken:  cfg.AdminToken,
		RateLimiter: rateLimiter,
	})

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WebhookTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 4. 定期処理の起動。調整スケジューラは起動直後に1回目のサイクルを実行する
	var wg sync.WaitGroup
	loops := []func(){
		func() { c.reconcile.Start(ctx, cfg.MappingRefreshInterval) },
		func() { c.renewal.Start(ctx, cfg.RenewalScanInterval) },
		func() { c.sweeper.Start(ctx, cfg.DedupTTL) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func()) {
			defer wg.Done()
			loop()
		}(loop)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		slog.Error("server listen error", slog.String("error", runErr.Error()))
		cancel()
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	wg.Wait()

	if runErr != nil {
		return fmt.Errorf("server failed: %w", runErr)
	}
	slog.Info("stopped gracefully")
	return nil
}

// runReconcile は復元、マッピングの読み込みと調整、期限の近いチャンネルの更新を1回ずつ実行して終了する。
func runReconcile(cfg *config.Config) error {
	log := slog.Default()

	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c.restore(ctx)

	report, err := c.reconcile.RunOnce(ctx)
	renewed := c.renewal.RunOnce(ctx)

	slog.Info("one-shot reconcile finished",
		slog.Uint64("mapping_version", report.MappingVersion),
		slog.Int("created", report.Reconcile.Created),
		slog.Int("retired", report.Reconcile.Retired),
		slog.Int("failed", report.Reconcile.Failed),
		slog.Int("renewed", renewed.Renewed),
		slog.Int("lapsed", renewed.Lapsed),
	)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}

// runMigrate は未適用のマイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(status.Applied)),
	)
	return nil
}

// checkSchema はスキーマが最新でない場合に警告を出す。
// DBに到達できない場合も起動は継続する。
func checkSchema(databaseURL string) {
	status, err := database.Status(databaseURL)
	switch {
	case err != nil:
		slog.Warn("could not read schema version", slog.String("error", err.Error()))
	case !status.UpToDate():
		slog.Warn("database schema is not up to date, run the migrate command",
			slog.Uint64("schema_version", uint64(status.Applied)),
			slog.Uint64("latest_version", uint64(status.Latest)),
			slog.Bool("dirty", status.Dirty),
		)
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// URLとして解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
