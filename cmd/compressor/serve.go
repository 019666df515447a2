package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/dicom-compressor/internal/api"
)

// shutdownGrace bounds how long in-flight batch requests may run after a stop signal.
const shutdownGrace = 30 * time.Second

func serve(c *cli.Context) error {
	d, err := depsFrom(c)
	if err != nil {
		return err
	}
	server := d.cfg.Server

	port := server.Port
	if c.IsSet("port") {
		port = c.String("port")
	}

	mode := gin.ReleaseMode
	if server.Mode == gin.DebugMode || server.Mode == gin.TestMode {
		mode = server.Mode
	}
	gin.SetMode(mode)

	srv := &http.Server{
		Addr:         net.JoinHostPort("", port),
		Handler:      api.NewRouter(&api.Services{BatchService: d.service}, server.AllowedOrigins),
		ReadTimeout:  time.Duration(server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(server.WriteTimeout) * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", mode).Msg("http trigger listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("grace", shutdownGrace).Msg("stopping http trigger")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("http trigger stopped")
	return nil
}
