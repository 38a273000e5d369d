// Command pubsubd runs the Dream subscription registry and delivery
// engine: the REST surface of §6.3, the delivery engine of §4.4, and the
// propagation protocol of §4.5, wired together in the shape of the
// teacher's controller/cmd/destination.Main (flag-parsed config, admin
// server goroutine, signal-driven graceful shutdown).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkerd/pubsubd/internal/admin"
	"github.com/linkerd/pubsubd/internal/config"
	"github.com/linkerd/pubsubd/internal/dispatch"
	"github.com/linkerd/pubsubd/internal/log"
	"github.com/linkerd/pubsubd/internal/propagation"
	"github.com/linkerd/pubsubd/internal/registry"
	"github.com/linkerd/pubsubd/internal/restapi"
	"github.com/linkerd/pubsubd/pkg/subscription"
	"github.com/linkerd/pubsubd/pkg/uri"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logFatal("config: %s", err)
	}

	logger := log.WithComponent("main")

	selfURI, err := uri.Parse(cfg.ServiceURI)
	if err != nil {
		logger.Fatalf("invalid -service-uri %q: %s", cfg.ServiceURI, err)
	}
	subscribersURI := uri.New(selfURI.Scheme, selfURI.Host, "subscribers")

	ready := false
	adminServer := admin.NewServer(cfg.AdminAddr, false, &ready)
	go func() {
		logger.Infof("starting admin server on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("admin server error (%s): %s", cfg.AdminAddr, err)
		}
	}()

	reg := registry.New(selfURI, "")
	defer reg.Close()

	transport := dispatch.NewHTTPTransport(nil)
	dispatcher := dispatch.New(selfURI, reg, transport, cfg.SendTimeout, cfg.RetryBudget)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	propagator := propagation.New(selfURI, subscribersURI, reg, nil)
	reg.OnMetaSubscriptionsUpdated(func(metaSubs []subscription.CombinedSubscription) {
		propagator.PushUpstream(ctx, metaSubs)
	})

	server, lis, err := restapi.NewServer(cfg.Addr, selfURI, reg, dispatcher, propagator, cfg.PublishToken)
	if err != nil {
		logger.Fatalf("failed to listen on %s: %s", cfg.Addr, err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	if len(cfg.DownstreamPeers) > 0 {
		propagator.SelfSubscribe(ctx, cfg.DownstreamPeers)
	}

	if cfg.PeersFile != "" {
		peersCh := make(chan []string)
		errCh := make(chan error)
		watcher := config.NewPeerFileWatcher(cfg.PeersFile, peersCh, errCh)
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnf("peer file watcher stopped: %s", err)
			}
		}()
		go func() {
			for {
				select {
				case peers := <-peersCh:
					propagator.SelfSubscribe(ctx, peers)
				case err := <-errCh:
					logger.Warnf("peer file watch error: %s", err)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		logger.Infof("starting REST server on %s", cfg.Addr)
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("REST server error (%s): %s", cfg.Addr, err)
		}
	}()

	ready = true

	<-stop

	logger.Infof("shutting down")
	cancel()
	_ = server.Close()
	_ = adminServer.Shutdown(context.Background())
}

func logFatal(format string, args ...interface{}) {
	log.WithComponent("main").Fatalf(format, args...)
}
