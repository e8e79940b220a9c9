package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/internal/pipeline"
	"github.com/nao1215/bookshelf/internal/profilesync"
	"github.com/nao1215/bookshelf/pkg/metrics"
	"github.com/nao1215/bookshelf/pkg/middleware"
)

// serviceName はトレースとヘルスチェックに使うサービス名。
const serviceName = "bookshelf-gateway"

// innerPathPrefix は内部サービス専用ルートのパス接頭辞。
const innerPathPrefix = "/oapi-inner/"

// shutdownTimeout は停止時に処理中のリクエストを待つ時間。
const shutdownTimeout = 10 * time.Second

// Options はServerの依存と設定。
type Options struct {
	// Addr はリッスンアドレス。
	Addr string
	// AllowedOrigins はCORSを許可するオリジン。
	AllowedOrigins []string
	// Pipeline はリクエスト処理パイプライン。
	Pipeline *pipeline.Pipeline
	// Forwarder はIdPへのプロフィール反映。
	Forwarder *profilesync.Forwarder
	// Metrics は /metrics で公開するメトリクス。
	Metrics *metrics.Metrics
	// Logger は構造化ロガー。
	Logger *zap.Logger
	// Checks は /health で評価する準備状態の検査。
	Checks map[string]func() error
	// TrustedNetworks は内部サービス専用ルートを呼び出せる接続元。
	// nilならループバックとプライベートアドレス。
	TrustedNetworks []netip.Prefix
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はサーバーのリッスンアドレス。
	addr string
	// pipeline はルート定義に従ってリクエストを処理する。
	pipeline *pipeline.Pipeline
	// forwarder はIdPへのプロフィール反映を行う。
	forwarder *profilesync.Forwarder
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
	// checks は準備状態の検査。
	checks map[string]func() error
	// trusted は内部サービス専用ルートを呼び出せる接続元。
	trusted []netip.Prefix
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.TrustedNetworks == nil {
		// 既定値は固定のCIDRなのでパースに失敗しない
		opts.TrustedNetworks, _ = middleware.ParsePrefixes(middleware.DefaultTrustedNetworks)
	}

	router := gin.New()
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(opts.Logger))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:    router,
		addr:      opts.Addr,
		pipeline:  opts.Pipeline,
		forwarder: opts.Forwarder,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		checks:    opts.Checks,
		trusted:   opts.TrustedNetworks,
	}
	s.setupRoutes()

	return s
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了したら処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[Gateway] HTTPサーバーを起動します", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("[Gateway] HTTPサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	innerOnly := middleware.TrustedNetwork(s.trusted, s.rejectOutsider)
	for _, r := range s.routes() {
		if strings.HasPrefix(r.path, innerPathPrefix) {
			s.router.Handle(r.method, r.path, innerOnly, s.handle(r))
			continue
		}
		s.router.Handle(r.method, r.path, s.handle(r))
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// rejectOutsider は内部サービス専用ルートへの外部からの呼び出しを拒否する。
func (s *Server) rejectOutsider(c *gin.Context) {
	s.logger.Warn("[Gateway] 内部ルートへの外部からの呼び出しを拒否しました",
		zap.String("path", c.Request.URL.Path),
		zap.String("remote_ip", c.RemoteIP()),
		zap.String("request_id", middleware.GetRequestID(c)),
	)
	env, status := pipeline.Classify(fault.Authz("内部サービス以外からは呼び出せません"))
	c.AbortWithStatusJSON(status, env)
}

// handle はルート定義をパイプラインで処理するハンドラを返す。
func (s *Server) handle(r routeSpec) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}

		rc, err := pipeline.NewRequestContext(c.Request, params)
		if err != nil {
			env, status := pipeline.Classify(fault.Violation(err.Error()))
			c.AbortWithStatusJSON(status, env)
			return
		}
		if r.formFields {
			mergeFormFields(rc)
		}

		resp := s.pipeline.Handle(c.Request.Context(), r.Route, rc)
		writeResponse(c, resp)
	}
}

// writeResponse はパイプラインの応答をそのまま書き出す。
func writeResponse(c *gin.Context, resp *pipeline.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	if resp.Status == http.StatusNoContent || len(resp.Body) == 0 {
		c.Status(resp.Status)
		return
	}
	c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}

// mergeFormFields はフォームで送られた値を、同名のヘッダーが無い場合に限りヘッダーとして扱う。
// 内部サービスはヘッダーとフォームのどちらでも値を渡してくる。
func mergeFormFields(rc *pipeline.RequestContext) {
	if !strings.HasPrefix(rc.ContentType, "application/x-www-form-urlencoded") || len(rc.Body) == 0 {
		return
	}
	values, err := url.ParseQuery(string(rc.Body))
	if err != nil {
		return
	}
	for k, vs := range values {
		if len(vs) == 0 || rc.Header(k) != "" {
			continue
		}
		rc.Headers.Set(k, vs[0])
	}
}

// handleHealth は準備状態の検査結果を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		checks := make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "service": serviceName, "checks": checks})
	}
}
