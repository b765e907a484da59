package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/arklim/sso-ticket-registry/internal/infra/app"
	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading SSO_* variables")
	nodeID := flag.String("node-id", "", "registry node identity (overrides SSO_APP_NODE_ID)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *nodeID != "" {
		cfg.App.NodeID = *nodeID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Printf("application stopped: %v", err)
		os.Exit(1)
	}
}
