// Command voicebridge is the process entrypoint: load configuration,
// open the management channel, and run the dispatcher until signalled
// to stop.
//
// Grounded on cmd/rtpmanager/main.go's startup sequence (banner, logger
// init, construct the long-lived server, wait on SIGINT/SIGTERM,
// graceful shutdown), with the gRPC server construction replaced by the
// management-channel client and dispatcher this module needs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/voicebridge/internal/banner"
	"github.com/sebas/voicebridge/internal/botconfig"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/dispatcher"
	"github.com/sebas/voicebridge/internal/logging"
	"github.com/sebas/voicebridge/internal/mgmtchannel"
	"github.com/sebas/voicebridge/internal/portpool"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flags.Version {
		fmt.Println(config.Version)
		return
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	levelName := cfg.LogLevel
	if flags.LogLevel != "" {
		levelName = flags.LogLevel
	}
	level := logging.ParseLevel(levelName)

	if err := logging.Init("logs", level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	banner.Print("VOICEBRIDGE", []banner.ConfigLine{
		{Label: "Management Channel", Value: fmt.Sprintf("%s:%d", cfg.OpenSIPS.IP, cfg.OpenSIPS.Port)},
		{Label: "Event Listen", Value: fmt.Sprintf("%s:%d", cfg.Engine.EventIP, cfg.Engine.EventPort)},
		{Label: "RTP Bind", Value: cfg.RTP.BindIP},
		{Label: "RTP Range", Value: fmt.Sprintf("%d-%d", cfg.RTP.MinPort, cfg.RTP.MaxPort)},
		{Label: "Log Level", Value: levelName},
	})

	mgmt, err := mgmtchannel.Dial(fmt.Sprintf("%s:%d", cfg.OpenSIPS.IP, cfg.OpenSIPS.Port))
	if err != nil {
		slog.Error("voicebridge: failed to dial management channel", "error", err)
		os.Exit(1)
	}
	defer mgmt.Close()

	bc := botconfig.New(cfg.Engine.APIURL, cfg.Engine.APIKey, cfg.Engine.BotHeader)

	pool := portpool.New(cfg.RTP.MinPort, cfg.RTP.MaxPort)

	rtpIP := cfg.RTP.IP
	if rtpIP == "" {
		rtpIP = cfg.Engine.RTPIP
	}
	listenAddr := fmt.Sprintf("%s:%d", cfg.Engine.EventIP, cfg.Engine.EventPort)

	d := dispatcher.New(mgmt, bc, pool, cfg, listenAddr, rtpIP)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("voicebridge: running", "listen", listenAddr)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("voicebridge: dispatcher stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("voicebridge: stopped")
}
