// 中文说明：
// HTTP 服务入口：/healthz 探活 + /api/v1 业务接口。
// 只做参数解析与状态码映射，业务语义全部在引擎与存储层。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marlin/internal/logger"
)

// Server 承载对外 HTTP 接口。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖。Engine 与 Registry 必填，
// Trades/Evals 缺省时对应查询接口返回 503。
type ServerConfig struct {
	Addr     string
	Engine   EngineAPI
	Registry BotRegistry
	Trades   TradeStore
	Evals    EvalStore
}

// NewServer 构建 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("http server requires engine")
	}
	if cfg.Registry == nil {
		return nil, errors.New("http server requires bot registry")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8780"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apiRouter := &Router{
		Engine:   cfg.Engine,
		Registry: cfg.Registry,
		Trades:   cfg.Trades,
		Evals:    cfg.Evals,
	}
	apiRouter.Register(router.Group("/api/v1"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录每次接口调用，便于追踪人工操作与 webhook 送达。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露底层 handler，测试与嵌入场景使用。
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP 服务已启动 addr=%s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
