package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/bookshelf/internal/config"
	"github.com/nao1215/bookshelf/internal/discovery"
	"github.com/nao1215/bookshelf/internal/gateway"
	"github.com/nao1215/bookshelf/internal/identity"
	"github.com/nao1215/bookshelf/internal/idp"
	"github.com/nao1215/bookshelf/internal/pipeline"
	"github.com/nao1215/bookshelf/internal/profilesync"
	"github.com/nao1215/bookshelf/pkg/httpclient"
	"github.com/nao1215/bookshelf/pkg/logging"
	"github.com/nao1215/bookshelf/pkg/metrics"
	"github.com/nao1215/bookshelf/pkg/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "ゲートウェイを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// setup は設定を読み込んでロガーを生成する。
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newIdPClient はIdPのエンドポイントを決めてクライアントを生成する。
func newIdPClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*idp.Client, idp.Endpoints, error) {
	eps := idp.KeycloakEndpoints(cfg.IdP.BaseURL, cfg.IdP.Realm, cfg.IdP.AdminRealm)
	if cfg.IdP.Discover {
		discovered, err := idp.DiscoverEndpoints(ctx, &http.Client{Timeout: cfg.IdP.Timeout.Std()},
			cfg.IdP.BaseURL, cfg.IdP.Realm, cfg.IdP.AdminRealm)
		if err != nil {
			return nil, idp.Endpoints{}, err
		}
		eps = discovered
	}

	client := idp.New(idp.Config{
		Endpoints:     eps,
		ClientID:      cfg.IdP.ClientID,
		ClientSecret:  cfg.IdP.ClientSecret,
		AdminClientID: cfg.IdP.AdminClientID,
		AdminUser:     cfg.IdP.AdminUser,
		AdminPassword: cfg.IdP.AdminPassword,
		Timeout:       cfg.IdP.Timeout.Std(),
	}, logger)
	return client, eps, nil
}

// newSource は設定に応じたサービス一覧の取得元を返す。closeはプロセス終了時に呼ぶ。
func newSource(cfg config.DiscoveryConfig) (discovery.Source, func() error) {
	if cfg.Source == config.DiscoveryRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return discovery.NewRedisSource(client, cfg.Redis.Key), client.Close
	}
	return discovery.StaticSource(cfg.Services), func() error { return nil }
}

// run は全コンポーネントを組み立て、ctxが終了するまでサーバーとバックグラウンド処理を動かす。
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	idpClient, eps, err := newIdPClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	verifierOpts := []identity.Option{
		identity.WithClientID(cfg.IdP.ClientID),
		identity.WithInterval(cfg.IdP.KeyRefreshInterval.Std()),
		identity.WithLogger(logger),
		identity.WithFetchHook(metrics.ResultHook(m.KeySetRefreshes)),
	}
	if cfg.IdP.Issuer != "" {
		verifierOpts = append(verifierOpts, identity.WithIssuer(cfg.IdP.Issuer))
	}
	verifier := identity.NewVerifier(&identity.JWKSFetcher{
		URL:    eps.JWKSURL,
		Client: &http.Client{Timeout: cfg.IdP.Timeout.Std()},
	}, verifierOpts...)
	// 起動時に取得できなくても定期更新で回復するので起動は続ける
	if err := verifier.Refresh(ctx); err != nil {
		logger.Warn("[Gateway] 検証鍵セットを取得できませんでした", zap.Error(err))
	}

	source, closeSource := newSource(cfg.Discovery)
	defer func() { _ = closeSource() }()
	locator := discovery.NewLocator(source, cfg.Discovery.RefreshInterval.Std(), logger)
	locator.OnLoad(metrics.ResultHook(m.DiscoveryRefreshes))
	if err := locator.Refresh(ctx); err != nil {
		logger.Warn("[Gateway] サービス一覧を取得できませんでした", zap.Error(err))
	}

	store, err := profilesync.Open(ctx, cfg.ProfileSync.OutboxDSN, logger)
	if err != nil {
		return fmt.Errorf("アウトボックスの初期化に失敗: %w", err)
	}
	defer func() { _ = store.Close() }()

	forwarder := profilesync.NewForwarder(idpClient, store, logger)
	forwarder.OnPush(metrics.ResultHook(m.ProfileSyncs))
	reconciler := profilesync.NewReconciler(store, idpClient, reconcilerConfig(cfg), logger)
	reconciler.OnAttempt(metrics.ResultHook(m.ProfileSyncs))

	p := pipeline.New(pipeline.Options{
		Verifier: verifier,
		Tokens:   idpClient,
		Resolver: locator,
		Client:   httpclient.New(cfg.Upstream.Timeout.Std()),
		Metrics:  m,
		Logger:   logger,
	})

	var trusted []netip.Prefix
	if len(cfg.Server.TrustedNetworks) > 0 {
		if trusted, err = middleware.ParsePrefixes(cfg.Server.TrustedNetworks); err != nil {
			return err
		}
	}

	server := gateway.NewServer(gateway.Options{
		Addr:            cfg.Server.Addr(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Pipeline:        p,
		Forwarder:       forwarder,
		Metrics:         m,
		Logger:          logger,
		TrustedNetworks: trusted,
		Checks: map[string]func() error{
			"keys": func() error {
				if verifier.Snapshot() == nil {
					return errors.New("検証鍵セットが未取得です")
				}
				return nil
			},
			"discovery": func() error {
				if locator.Services() == 0 {
					return errors.New("サービス一覧が空です")
				}
				return nil
			},
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return verifier.Start(gctx) })
	g.Go(func() error { return locator.Start(gctx) })
	g.Go(func() error { return reconciler.Start(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("[Gateway] 停止しました")
	return nil
}

func reconcilerConfig(cfg *config.Config) profilesync.ReconcilerConfig {
	return profilesync.ReconcilerConfig{
		Interval:    cfg.ProfileSync.Interval.Std(),
		MaxAttempts: cfg.ProfileSync.MaxAttempts,
		BatchSize:   cfg.ProfileSync.BatchSize,
	}
}
