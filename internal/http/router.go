/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/HamedShams/ready-pulse/internal/config"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc service) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context){
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
    })

    h := NewHandlers(cfg, log, svc)

    r.GET("/healthz", h.Healthz)

    api := r.Group("/api")
    api.POST("/scan", h.Scan)
    api.GET("/issues", h.ListIssues)
    api.GET("/issues/:id", h.GetIssue)
    api.POST("/issues/:id/rescan", h.Rescan)
    api.GET("/issues/:id/questions", h.ListQuestions)
    api.POST("/issues/:id/questions", h.GenerateQuestions)
    api.POST("/issues/:id/answers", h.SubmitAnswer)
    api.POST("/issues/:id/slack", h.SendToSlack)
    api.POST("/issues/:id/override", h.Override)
    api.GET("/rulesets", h.ListRuleSets)
    api.POST("/rulesets", h.CreateRuleSet)
    api.POST("/rulesets/:id/activate", h.ActivateRuleSet)
    api.DELETE("/rulesets/:id", h.DeleteRuleSet)

    // Without a signing secret the webhook cannot be verified, so it does
    // not exist at all.
    if cfg.SlackSigningSecret != "" {
        r.POST("/slack/interactions", h.SlackInteractions)
    }

    return r
}
