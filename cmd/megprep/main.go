package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"megprep/internal/cli"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupted, stopping after killing the running tool")
		cancel()
	}()

	result, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "megprep:", err)
	}
	cancel()
	os.Exit(result.ExitCode)
}
