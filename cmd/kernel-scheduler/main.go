// Command kernel-scheduler runs the admission scheduler daemon. It takes no
// arguments; configuration comes from the defaults, the optional KS_CONFIG
// YAML file and the USER environment variable that scopes the registry name.
// SIGINT and SIGTERM trigger a clean shutdown that destroys the registry and
// every still-bound channel segment.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/config"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/logkit"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel-scheduler: %v (using defaults)\n", err)
	}

	logger, err := logkit.New(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel-scheduler: %v (logging to stderr)\n", err)
	}
	defer logger.Close()

	reactor := scheduler.New(cfg, logger, scheduler.AllowAll{})
	if err := reactor.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel-scheduler: %v\n", err)
		return 1
	}

	fmt.Printf("[kernel-scheduler] serving registry %s\n", cfg.RegistryName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Global().Info("shutdown signal", "signal", s.String())

	reactor.Stop()
	fmt.Println("[kernel-scheduler] clean shutdown")
	return 0
}
