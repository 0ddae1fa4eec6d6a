package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/meszmate/mucclient/internal/app"
	"github.com/meszmate/mucclient/internal/config"
)

var version = "dev"

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to the configuration file")
		user       = flag.StringP("user", "u", "", "account user name")
		room       = flag.StringP("room", "r", "", "room to join after connecting")
		nick       = flag.StringP("nick", "n", "", "nickname in the room")
		transport  = flag.StringP("transport", "t", "", "transport to use (tcp or websocket)")
		logLevel   = flag.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
		console    = flag.Bool("console", false, "also log to stderr")
		noConnect  = flag.Bool("no-connect", false, "do not connect on start")
		writeCfg   = flag.Bool("write-config", false, "write the effective configuration and exit")
		showVer    = flag.BoolP("version", "v", false, "print the version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if *user != "" {
		cfg.Account.User = *user
	}
	if *room != "" {
		cfg.Session.Room = *room
	}
	if *nick != "" {
		cfg.Session.Nick = *nick
	}
	if *transport != "" {
		cfg.Server.Transport = *transport
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *console {
		cfg.Logging.Console = true
	}
	if *noConnect {
		cfg.General.AutoConnect = false
	}

	if *writeCfg {
		if *configPath != "" {
			err = config.SaveFile(cfg, *configPath)
		} else {
			err = config.Save(cfg)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write config")
		}
		return
	}

	application, err := app.New(cfg, version)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize app")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = application.Run(ctx)
	stop()
	if err != nil {
		application.Logger().Error().Err(err).Msg("client stopped")
	}
	if cerr := application.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
