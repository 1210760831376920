// Command s2sd is the S2S outbound dispatch daemon: it loads a YAML
// configuration, starts the single process-wide session engine, and
// serves the admin status surface alongside it, grounded on the teacher's
// cmd/amass_engine/main.go (flag parsing, signal-driven shutdown).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jabberd-go/s2s/admin"
	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/session"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "s2sd: %v\n", err)
		os.Exit(1)
	}

	sess, err := session.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "s2sd: failed to start the session: %v\n", err)
		os.Exit(1)
	}

	adminSrv := admin.NewServer(cfg.AdminListen, sess.Dispatch(), sess.PubSub(), sess.Log())
	go func() {
		if err := adminSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sess.Log().Error("admin surface stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		sess.Log().Info("terminating s2sd")
		cancel()
		sess.Kill()
		adminSrv.Shutdown()
	}()

	sess.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("missing required -config flag")
	}
	return config.LoadFile(path)
}
