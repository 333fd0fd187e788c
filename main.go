package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
)

func main() {
	c := newCLI(os.Stdout)
	command, err := c.app.Parse(os.Args[1:])
	if err != nil {
		c.app.FatalUsage("%s\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx, command); err != nil {
		log.WithError(err).Error("コマンドの実行に失敗しました")
		stop()
		os.Exit(1)
	}
}
