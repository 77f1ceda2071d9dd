package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/nfcbridge/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := cli.NewRunner(cli.DefaultSocket(), os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
