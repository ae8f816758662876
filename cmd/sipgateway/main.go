package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0aen0/webrtc-sip-gateway/bridge"
	"github.com/0aen0/webrtc-sip-gateway/config"
	"github.com/0aen0/webrtc-sip-gateway/httpapi"
	"github.com/0aen0/webrtc-sip-gateway/sip"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to config file")
	cachePath := flag.String("auth-cache", "sip_auth_cache.json", "Path to SIP auth cache file")
	autoRegister := flag.Bool("register", false, "Register on the SIP server at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to load config")
	}

	lev, err := zerolog.ParseLevel(cfg.GetString("log.level"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	engine := sip.NewEngine(
		sip.WithLogger(log.Logger),
		sip.WithChallengeStore(sip.NewFileChallengeStore(*cachePath)),
	)

	ws := bridge.New(engine, cfg, bridge.WithLogger(log.Logger))
	engine.SetHandler(ws)
	api := httpapi.New(engine, cfg, httpapi.WithLogger(log.Logger))

	wsAddr := net.JoinHostPort(cfg.GetString("websocket.host"), strconv.Itoa(cfg.GetInt("websocket.port")))
	apiAddr := net.JoinHostPort(cfg.GetString("http.host"), strconv.Itoa(cfg.GetInt("http.port")))

	wsSrv := &http.Server{Addr: wsAddr, Handler: ws}
	apiSrv := &http.Server{Addr: apiAddr, Handler: api.Handler()}

	go serve(wsSrv, "websocket")
	go serve(apiSrv, "http api")

	if *autoRegister {
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Fail to validate SIP settings")
		}
		account := sip.Config{
			Server:   cfg.GetString("sip.server"),
			Port:     cfg.GetInt("sip.port"),
			Login:    cfg.GetString("sip.login"),
			Password: cfg.GetString("sip.password"),
			Number:   cfg.GetString("sip.number"),
		}
		go func() {
			if err := engine.Register(context.Background(), account); err != nil {
				log.Error().Err(err).Msg("Fail to register")
			}
		}()
	}

	log.Info().Str("ws", wsAddr).Str("api", apiAddr).Msg("gateway started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	if err := engine.Disconnect(); err != nil && !errors.Is(err, sip.ErrNotConnected) {
		log.Error().Err(err).Msg("Fail to disconnect")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = wsSrv.Shutdown(ctx)
	_ = apiSrv.Shutdown(ctx)
}

func serve(srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Str("server", name).Msg("Fail to serve")
	}
}
