// Package dashboard serves the operational HTTP surface of a long-running
// process: Prometheus scraping, liveness, the latest ranking and a tail of
// recent metric events and warnings.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cryptometrics/config"
	"cryptometrics/internal/metrics"
	"cryptometrics/logger"
	"cryptometrics/models"
)

const defaultPort = "2112"

// RankSource returns the latest ranking, most volatile first.
type RankSource func() []models.RankedMetric

type Server struct {
	addr       string
	appName    string
	log        *logger.Log
	events     eventStore
	logs       *logStore
	handlerID  metrics.MetricHandlerID
	scrape     http.Handler
	ranks      RankSource
	httpServer *http.Server
}

// NewServer returns nil when no listen address is configured. scrape serves
// /metrics and may be nil.
func NewServer(cfg config.MetricsConfig, appName string, log *logger.Log, scrape http.Handler, ranks RankSource) *Server {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil
	}

	events := eventStore{newRing[metrics.Metric](cfg.History)}
	logs := newLogStore(cfg.History, log.IsLevelEnabled(logrus.DebugLevel))
	log.AddHook(logs)

	if ranks == nil {
		ranks = func() []models.RankedMetric { return nil }
	}
	return &Server{
		addr:      normalizeAddress(cfg.ListenAddr),
		appName:   appName,
		log:       log,
		events:    events,
		logs:      logs,
		handlerID: metrics.RegisterMetricHandler(events.handle),
		scrape:    scrape,
		ranks:     ranks,
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.addr}).Info("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logs.close()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "app": s.appName})
	})

	if s.scrape != nil {
		router.GET("/metrics", gin.WrapH(s.scrape))
	}

	router.GET("/api/ranks", func(c *gin.Context) {
		ranks := s.ranks()
		if n, ok := limitParam(c); ok && n < len(ranks) {
			ranks = ranks[:n]
		}
		c.JSON(http.StatusOK, gin.H{"ranks": ranks})
	})

	router.GET("/api/events", func(c *gin.Context) {
		events := s.events.snapshot()
		payload := make([]gin.H, 0, len(events))
		for _, m := range events {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"events": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	return router
}

func limitParam(c *gin.Context) (int, bool) {
	var q struct {
		Limit int `form:"limit" binding:"min=0"`
	}
	if err := c.ShouldBindQuery(&q); err != nil || q.Limit == 0 {
		return 0, false
	}
	return q.Limit, true
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("0.0.0.0", defaultPort)
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
