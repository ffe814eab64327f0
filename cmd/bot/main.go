package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"

	configloader "github.com/janerikasplund/discord-transcription/external/config"
	"github.com/janerikasplund/discord-transcription/external/discord"
	repositoryimpl "github.com/janerikasplund/discord-transcription/external/repository"
	summarizerimpl "github.com/janerikasplund/discord-transcription/external/summarizer"
	transcriberimpl "github.com/janerikasplund/discord-transcription/external/transcriber"
	webhookimpl "github.com/janerikasplund/discord-transcription/external/webhook"
	"github.com/janerikasplund/discord-transcription/internal/config"
	discordpkg "github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/session"
)

const (
	discordConnectTimeout = 20 * time.Second
	shutdownTimeout       = 30 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching discord bot")
	runBot(injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	discord.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	summarizerimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)

	return injector
}

func runBot(injector do.Injector) {
	dc, err := do.Invoke[discordpkg.Client](injector)
	if err != nil {
		slog.Error("failed to resolve discord client", "error", err)
		os.Exit(1)
	}
	registry, err := do.Invoke[*session.Registry](injector)
	if err != nil {
		slog.Error("failed to resolve session registry", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), discordConnectTimeout)
	defer cancel()

	slog.Info("startup: connecting to discord gateway")
	if err := dc.Connect(ctx); err != nil {
		slog.Error("discord connect failed", "error", err)
		os.Exit(1)
	}
	slog.Info("startup: discord connected")

	botUserID, err := dc.GetBotUserID()
	if err != nil {
		slog.Error("failed to resolve bot user id", "error", err)
		os.Exit(1)
	}
	registry.SetBotUserID(botUserID)

	// Global commands: the bot records in any guild it is invited to.
	if err := dc.UpsertGuildSlashCommands("", session.SlashCommandDefinitions()); err != nil {
		slog.Error("failed to upsert slash commands", "error", err)
		os.Exit(1)
	}

	registry.SweepOrphans(ctx)
	registry.StartWatchdog()

	dc.RegisterVoiceStateUpdateHandler(registry.HandleVoiceStateUpdate)
	dc.RegisterSlashCommandHandler(registry.HandleSlashCommand)
	slog.Info("discord handlers registered", "commands", []string{"record", "stop"})
	defer func() {
		if err := dc.Close(); err != nil {
			slog.Error("discord close failed", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		slog.Info("startup: entering discord run loop")
		if err := dc.Run(); err != nil {
			slog.Error("discord run failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	registry.Shutdown(shutdownCtx)
}
