package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"edgeroute/internal/config"
	"edgeroute/internal/edge"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("EDGEROUTE_CONFIG", "/edgeroute.yaml"), "path to edgeroute.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	config.SetupLogging(cfg)

	svc, err := edge.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := serve(stop, "edge", cfg.Server.Port, svc.Handler())
	admin := serve(stop, "admin", cfg.Server.AdminPort, svc.AdminHandler())
	log.Info().Str("origin", cfg.Origin.URL).Str("publicURL", cfg.Server.PublicURL).Msg("edgeroute started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = admin.Shutdown(shutdownCtx)
}

// serve starts h on port in the background. A serve failure cancels the
// process context.
func serve(stop context.CancelFunc, name string, port int, h http.Handler) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msgf("listen %s", name)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msgf("%s listening", name)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listener", name).Msg("server error")
			stop()
		}
	}()
	return srv
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
