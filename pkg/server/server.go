package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pushi/pkg/config"
	"pushi/pkg/logging"
	"pushi/pkg/middleware"
)

// Config represents a single listener configuration
type Config struct {
	Host         string
	Port         string
	ServiceName  string
	SSL          bool
	SSLKey       string
	SSLCer       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the listener configuration for the given env prefix.
// The prefix selects between the control-plane listener (APP_*) and the
// websocket listener (SERVER_*).
func DefaultConfig(serviceName, prefix, defaultPort string) Config {
	return Config{
		Host:         config.GetEnv(prefix+"_HOST", ""),
		Port:         config.GetEnv(prefix+"_PORT", defaultPort),
		ServiceName:  serviceName,
		SSL:          config.GetEnvBool(prefix+"_SSL", false),
		SSLKey:       config.GetEnv(prefix+"_SSL_KEY", ""),
		SSLCer:       config.GetEnv(prefix+"_SSL_CER", ""),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// SetupRouter creates a Gin router with common middleware
func SetupRouter(logger logging.Logger, serviceName string) *gin.Engine {
	// Set Gin mode based on environment
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add common middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	return router
}

// Start launches an HTTP (or HTTPS) listener and returns the running server.
// Shutdown is handled separately by WaitForShutdown so that multiple
// listeners can share a single signal handler.
func Start(cfg Config, handler http.Handler, logger logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.WithFields(logging.Fields{
			"addr":    srv.Addr,
			"ssl":     cfg.SSL,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")

		var err error
		if cfg.SSL {
			err = srv.ListenAndServeTLS(cfg.SSLCer, cfg.SSLKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	return srv
}

// WaitForShutdown blocks until SIGINT/SIGTERM and then gracefully stops
// every given server with a shared deadline.
func WaitForShutdown(logger logging.Logger, servers ...*http.Server) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
	}

	logger.Info("Servers stopped")
	return nil
}
