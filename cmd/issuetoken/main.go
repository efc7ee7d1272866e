// Package main provides a CLI tool for minting API bearer tokens. The
// control plane has no interactive login; operators generate tokens with
// this tool and distribute them out of band.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/auth"
	"github.com/virtforge/virtforge/internal/config"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	configPath := flag.String("config", "", "Path to config file")
	subject := flag.String("subject", "", "Token subject, e.g. an operator email")
	role := flag.String("role", auth.RoleViewer, "Token role: admin or viewer")
	flag.Parse()

	if *subject == "" {
		logger.Fatal("Usage: issuetoken -subject <who> [-role admin|viewer] [-config path]")
	}
	if *role != auth.RoleAdmin && *role != auth.RoleViewer {
		logger.Fatal("Role must be admin or viewer", zap.String("role", *role))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is not configured; tokens signed with an empty secret would verify anywhere")
	}

	manager := auth.NewManager(cfg.Auth)
	token, expiresAt, err := manager.Generate(*subject, *role)
	if err != nil {
		logger.Fatal("Failed to sign token", zap.Error(err))
	}

	logger.Info("Token issued",
		zap.String("subject", *subject),
		zap.String("role", *role),
		zap.Time("expires_at", expiresAt),
		zap.Duration("lifetime", manager.TokenExpiry()),
	)

	// The token itself goes to stdout so it can be captured by scripts;
	// everything else goes to the logger on stderr.
	fmt.Fprintln(os.Stdout, token)
}
