// Command chunkctl runs engine operations from the shell.
package main

import (
	"context"
	"fmt"
	"os"

	"chunk-pipeline/internal/app"
	"chunk-pipeline/internal/config"
)

const (
	exitOK    = 0
	exitError = 1
)

func main() {
	open := func(ctx context.Context) (*session, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		log := app.Logger(cfg, "chunkctl")
		a, err := app.Open(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return &session{engine: a.Engine, failed: a.Queue}, a.Close, nil
	}

	root := newRootCmd(open, os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
