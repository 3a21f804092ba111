/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command bpfmand is the eBPF manager daemon: it wires together every
// internal component (C1-C9) and serves the RPC Frontend until told to
// stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/bpfman/bpfman-core/internal/bootstrap"
	"github.com/bpfman/bpfman-core/internal/config"
	"github.com/bpfman/bpfman-core/internal/dispatcher"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/nsattach"
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/orchestrator"
	"github.com/bpfman/bpfman-core/internal/registry"
	"github.com/bpfman/bpfman-core/internal/rpc"
	"github.com/bpfman/bpfman-core/internal/store"
)

func main() {
	var configPath string
	var nsHelperPath string
	flag.StringVar(&configPath, "config", "/etc/bpfman/bpfman.toml", "path to the daemon's TOML configuration file")
	flag.StringVar(&nsHelperPath, "ns-helper", "/usr/sbin/bpfman-ns", "path to the bpfman-ns child executable")
	flag.Parse()

	log := newLogger()

	if err := run(configPath, nsHelperPath, log); err != nil {
		log.Error(err, "bpfmand exited with error")
		os.Exit(1)
	}
}

// newLogger mirrors the GO_LOG-driven zap configuration the rest of
// this codebase's Kubernetes-facing commands use, fronted by logr
// rather than consulted directly.
func newLogger() logr.Logger {
	var zapCfg zap.Config
	switch os.Getenv("GO_LOG") {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	case "trace":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-2))
	default:
		zapCfg = zap.NewProductionConfig()
	}
	zl, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("build zap logger: %v", err))
	}
	return zapr.NewLogger(zl).WithName("bpfmand")
}

// hostKernelRelease reads the running kernel's release string via
// uname(2), the same syscall `uname -r` itself wraps.
func hostKernelRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	n := 0
	for n < len(u.Release) && u.Release[n] != 0 {
		n++
	}
	return string(u.Release[:n])
}

func run(configPath, nsHelperPath string, log logr.Logger) error {
	if !bootstrap.RunningAsRoot() {
		if ok, err := bootstrap.HasRequired(); err != nil || !ok {
			return fmt.Errorf("bpfmand must run as root or with its required capability set already granted")
		}
	}
	if err := bootstrap.DropToRequired(log); err != nil {
		return fmt.Errorf("drop to required capabilities: %w", err)
	}

	cfg := config.Load(configPath, log)

	db, err := store.Open(cfg.Storage.DatabasePath, store.Persistent)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()

	reg := registry.New(db)
	bridge := kernel.New()
	engine := dispatcher.New(bridge, reg, cfg.Storage.PinPath, log.WithName("dispatcher"))

	resolver, err := ociimage.New(db, config.DefaultImageCacheDir, runtime.GOARCH, hostKernelRelease(), cfg.Signing.VerifyEnabled, log.WithName("ociimage"))
	if err != nil {
		return fmt.Errorf("build image resolver: %w", err)
	}

	nsHelper := nsattach.New(nsHelperPath, cfg.Storage.PinPath, log.WithName("nsattach"))
	pidResolver := &nsattach.ProcResolver{}

	o := orchestrator.New(orchestrator.Config{
		Registry:    reg,
		Bridge:      bridge,
		Engine:      engine,
		Resolver:    resolver,
		NSHelper:    nsHelper,
		PIDResolver: pidResolver,
		PinRoot:     cfg.Storage.PinPath,
		Log:         log.WithName("orchestrator"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("running startup reconciliation")
	if err := o.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	idleTimeout := time.Duration(cfg.InactivityTimeoutSecs) * time.Second
	srv := rpc.NewServer(o, idleTimeout, log.WithName("rpc"))

	var enabled config.Endpoint
	for _, ep := range cfg.Grpc.Endpoints {
		if ep.Enabled && ep.Type == "unix" {
			enabled = ep
			break
		}
	}
	if enabled.Path == "" {
		enabled = config.Endpoint{Type: "unix", Path: config.DefaultSocketPath}
	}

	lis, err := bootstrap.Listen(enabled.Path, 0o660, os.Getenv("BPFMAN_SOCKET_GROUP"), log)
	if err != nil {
		return fmt.Errorf("open rpc listener: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		srv.GracefulStop()
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("rpc frontend stopped: %w", err)
		}
		return nil
	}
}
