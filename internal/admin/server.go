// Package admin serves the operator HTTP surface of a device: health, stream
// stats, stream actions, network group control, captures and metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/ethstream/internal/capture"
	"github.com/danmuck/ethstream/internal/device"
	"github.com/danmuck/ethstream/internal/observability"
	"github.com/danmuck/ethstream/internal/stream"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

var ErrActionNotFound = errors.New("action not found")

type Server struct {
	Addr       string
	CaptureDir string
	Appeared   time.Time

	dev    *device.Device
	router *gin.Engine
}

func New(dev *device.Device, addr, captureDir string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(dev.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:       addr,
		CaptureDir: captureDir,
		Appeared:   time.Now(),
		dev:        dev,
		router:     r,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"device":  s.dev.Name(),
			"session": s.dev.ID(),
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ready once a network group runs.
	r.GET("/ready", func(c *gin.Context) {
		ready := s.dev.Active()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":      ready,
			"batch_size": s.dev.BatchSize(),
			"uptime":     time.Since(s.Appeared).String(),
			"device":     s.dev.Name(),
		})
	})

	r.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"streams": s.ListStreams()})
	})

	r.GET("/streams/:stream", func(c *gin.Context) {
		st, ok := s.dev.Registry().Get(c.Param("stream"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
			return
		}
		body := gin.H{"stats": st.Stats(), "timeout": st.Timeout().String()}
		if port, err := s.dev.RemotePort(st.Name()); err == nil {
			body["remote_port"] = port
		}
		c.JSON(http.StatusOK, body)
	})

	r.POST("/streams/:stream/actions/:action", func(c *gin.Context) {
		streamName := c.Param("stream")
		actionName := c.Param("action")

		if err := s.ExecuteAction(streamName, actionName); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, device.ErrUnknownStream) || errors.Is(err, ErrActionNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/network-group/activate", func(c *gin.Context) {
		batch, err := strconv.ParseUint(c.DefaultQuery("batch_size", "0"), 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch_size"})
			return
		}
		if err := s.dev.ActivateNetworkGroup(uint16(batch)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, stream.ErrInvalidState) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "batch_size": batch})
	})

	r.POST("/network-group/deactivate", func(c *gin.Context) {
		if err := s.dev.DeactivateNetworkGroup(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/captures", func(c *gin.Context) {
		if s.CaptureDir == "" {
			c.JSON(http.StatusOK, gin.H{"captures": []capture.Info{}})
			return
		}
		window, err := time.ParseDuration(c.DefaultQuery("window", "24h"))
		if err != nil || window <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		list, err := capture.List(s.CaptureDir, window, time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"captures": list})
	})
}

func (s *Server) ExecuteAction(streamName, actionName string) error {
	st, ok := s.dev.Registry().Get(streamName)
	if !ok {
		return device.ErrUnknownStream
	}
	action, ok := device.Actions(st)[actionName]
	if !ok {
		return ErrActionNotFound
	}
	if err := action(); err != nil {
		log.Error().
			Str("stream", streamName).
			Str("action", actionName).
			Err(err).
			Msg("stream action failed")
		return err
	}
	log.Info().
		Str("stream", streamName).
		Str("action", actionName).
		Msg("stream action executed")
	return nil
}

type StreamInfo struct {
	Name      string           `json:"name"`
	Direction stream.Direction `json:"direction"`
	State     stream.State     `json:"state"`
	Actions   []string         `json:"actions"`
}

func (s *Server) ListStreams() []StreamInfo {
	all := s.dev.Registry().All()
	list := make([]StreamInfo, 0, len(all))
	for _, st := range all {
		actions := make([]string, 0, 2)
		for name := range device.Actions(st) {
			actions = append(actions, name)
		}
		sort.Strings(actions)
		list = append(list, StreamInfo{
			Name:      st.Name(),
			Direction: st.Direction(),
			State:     st.State(),
			Actions:   actions,
		})
	}
	return list
}

// Serve blocks until ctx is done, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", s.Addr).Msg("admin listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
