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
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"edgeroute/internal/config"
	"edgeroute/internal/imgcdn"
	"edgeroute/internal/proxy"
	"edgeroute/internal/sw"
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
	cc := cfg.Client

	session, err := sw.NewSession(sw.Env(cc.Env), cc.AppOrigin)
	if err != nil {
		log.Fatal().Err(err).Msg("init session")
	}

	// Without a build version every start is a new generation.
	version := cc.Version
	if version == "" {
		version = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	store, err := sw.OpenGenerations(cc.CachePath, sw.GenerationOptions{
		Prefix:   cc.CacheName,
		Version:  version,
		MaxEntry: cc.MaxEntrySize,
		Claim:    session.Claim,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open cache")
	}
	defer store.Close()

	router, err := sw.NewRouter(sw.RouterOptions{
		Session:       session,
		Cache:         store,
		DataHost:      cfg.Origin.Host,
		BypassPrefix:  cfg.Origin.BypassPrefix,
		ProdProxyBase: cc.ProdProxyBase,
		ImageCDN:      imgcdn.Inline(cfg.Preview.ImageService),
		Aliases:       sw.DefaultAliases().With(cc.Aliases),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init router")
	}

	target, err := proxy.ParseTarget(cfg.Origin.URL, cfg.Origin.BypassPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("proxy target")
	}
	engine := proxy.New(target, proxy.WithTimeout(cfg.Origin.TimeoutDur))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetch := &http.Client{Timeout: cfg.Origin.TimeoutDur}
	manifest := cc.Manifest
	if len(manifest) == 0 {
		manifest = sw.DefaultManifest()
	}
	install := func(ctx context.Context) error {
		if _, err := store.Install(ctx, fetch, session.AppOrigin().String(), manifest); err != nil {
			return err
		}
		return store.Activate(ctx)
	}
	if err := install(ctx); err != nil {
		log.Fatal().Err(err).Msg("install generation")
	}

	updater := sw.NewUpdater(sw.UpdaterOptions{
		Client:      fetch,
		Session:     session,
		Store:       store,
		VersionFile: cc.VersionFile,
		OnSilent: func(ctx context.Context, v sw.VersionInfo) error {
			store.Switch(v.Version)
			return install(ctx)
		},
		OnMajor: func(v sw.VersionInfo) {
			log.Info().Str("version", v.Version).Str("build", v.Build).
				Msgf("update available, POST %s/accept to apply", sw.ControlPrefix)
		},
	})
	go updater.Run(ctx, cc.UpdateEveryDur)

	shell := sw.NewShell(sw.ShellOptions{
		Router:       router,
		Session:      session,
		Cache:        store,
		Updater:      updater,
		Bypass:       engine,
		BypassPrefix: cfg.Origin.BypassPrefix,
	})

	addr := fmt.Sprintf(":%d", cc.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}
	srv := &http.Server{
		Handler:           shell.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("app", cc.AppOrigin).
			Str("env", string(session.Env())).
			Str("generation", store.Current()).
			Bool("memoryCache", cc.CacheInMemory).
			Msg("swshell listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
