// Command gateway runs the MySQL JSON-RPC/stdio protocol gateway. It
// replaces examples/server/main.go's "load config, build a factory, start
// a server" shape with the equivalent for this gateway's component graph.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlgateway/mcpmysql/gateway"
	"github.com/sqlgateway/mcpmysql/internal/auditlog"
	"github.com/sqlgateway/mcpmysql/internal/classify"
	"github.com/sqlgateway/mcpmysql/internal/config"
)

func main() {
	var auditFile *os.File
	if path := os.Getenv("AUDIT_LOG_PATH"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("[gateway] failed to open audit log %s: %v", path, err)
		}
		defer f.Close()
		auditFile = f
	}

	tmpLog := auditlog.NewDiscard()
	if auditFile != nil {
		tmpLog = auditlog.New(auditFile)
	}
	cfg, warnings := config.Load(tmpLog)
	for _, w := range warnings {
		log.Printf("[gateway] config: %s=%q invalid (%s), using default", w.Var, classify.MaskSecrets(w.Value), w.Problem)
	}

	gw, err := gateway.New(cfg, auditFile)
	if err != nil {
		log.Fatalf("[gateway] failed to initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[gateway] shutdown signal received")
		cancel()
		gw.Stop()
	}()

	if err := gw.Start(ctx); err != nil {
		log.Printf("[gateway] stopped: %v", err)
	}
}
