package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/planetary-computer-tasks/internal/cli"
)

// main 是计数服务的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pctasks-counter 运行失败: %v\n", err)
		stop()
		os.Exit(1)
	}
}
