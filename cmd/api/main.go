package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/app/api"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := api.Initialize(ctx)
	if err := api.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to build HTTP server", zap.Error(err))
	}

	app.Start(ctx)
}
