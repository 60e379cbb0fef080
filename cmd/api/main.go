/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/HamedShams/ready-pulse/internal/adapters/jira"
    "github.com/HamedShams/ready-pulse/internal/adapters/openai"
    "github.com/HamedShams/ready-pulse/internal/adapters/slack"
    "github.com/HamedShams/ready-pulse/internal/config"
    httpx "github.com/HamedShams/ready-pulse/internal/http"
    "github.com/HamedShams/ready-pulse/internal/jobs"
    "github.com/HamedShams/ready-pulse/internal/logger"
    "github.com/HamedShams/ready-pulse/internal/repo"
    "github.com/HamedShams/ready-pulse/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()
    repository := repo.NewRepository(db, log)
    if err := repository.EnsureSchema(ctx); err != nil {
        log.Fatal().Err(err).Msg("schema migration failed")
    }

    // Adapters
    jc := jira.NewClient(cfg, log)
    llm := openai.NewClient(cfg, log)
    sl := slack.NewClient(cfg, log)

    // Services
    svc := services.New(cfg, log, repository, jc, sl, llm)
    {
        ctx2, cancel2 := context.WithTimeout(ctx, 20*time.Second)
        err := svc.EnsureDefaultRuleSet(ctx2)
        cancel2()
        if err != nil { log.Fatal().Err(err).Msg("rule set bootstrap failed") }
    }

    // HTTP server (Gin)
    router := httpx.NewRouter(cfg, log, svc)

    // Cron
    cron := jobs.NewCron(cfg, log, svc, repository)
    cron.Start()
    defer cron.Stop()

    // graceful shutdown
    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}
