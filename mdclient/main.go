package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/companyzero/mdlink/client"
	"github.com/companyzero/mdlink/client/clientdb"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/client/transport"
	"github.com/companyzero/mdlink/jid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// runPrometheusListener runs the Prometheus metrics endpoint in the given
// address.
func runPrometheusListener(ctx context.Context, reg *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:              addr,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func _main() error {
	cfg, err := loadConfig(os.Args[1:], os.Stdout)
	if err != nil {
		return err
	}

	logBknd, err := newLogBackend(os.Stdout, cfg.LogFile, cfg.DebugLevel,
		cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("MDCL")
	log.Infof("Starting %s version %s", appName, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	ks := keystore.New(keystore.Config{
		Path: cfg.KeyStoreDir,
		Log:  logBknd.logger("KEYS"),
	})
	if err := ks.Initialize(ctx); err != nil {
		return fmt.Errorf("unable to open key store: %w", err)
	}
	defer ks.Close()

	db, err := clientdb.New(clientdb.Config{
		Root:        cfg.MsgRoot,
		MaxMessages: cfg.MaxMessages,
		Logger:      logBknd.logger("MDB "),
	})
	if err != nil {
		return fmt.Errorf("unable to create message store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := newPrinter(cfg, os.Stdout)
	var c *client.Client
	ntfns := client.NewNotificationManager()
	ntfns.Register(client.OnQRCodesNtfn(func(codes []string) {
		if len(codes) > 0 {
			p.qrCode(codes[0])
		}
	}))
	ntfns.Register(client.OnPairSuccessNtfn(p.pairSuccess))
	ntfns.Register(client.OnSessionReadyNtfn(func(id jid.JID) {
		p.printf("Logged in as %s\n", id)
	}))
	ntfns.Register(client.OnConnStatusNtfn(p.connState))
	ntfns.Register(client.OnSyncStatusNtfn(p.syncStatus))
	ntfns.RegisterSync(client.OnConversationsChangedNtfn(p.conversationsChanged))
	ntfns.RegisterSync(client.OnHistorySyncNtfn(func(summary client.HistorySyncSummary) {
		p.historySync(summary, c.Conversation)
	}))
	ntfns.Register(client.OnErrorNtfn(func(err error) {
		if errors.Is(err, client.ErrLoggedOut) {
			p.printf("Device was logged out. Restart to link it again.\n")
		}
	}))

	c, err = client.New(client.Config{
		Dialer: transport.NewDialer(transport.Config{
			URL:      cfg.ServerURL,
			DialFunc: cfg.dialFunc,
			Log:      logBknd.logger("TRNS"),
		}),
		KeyStore:        ks,
		MessageStore:    db,
		Notifications:   ntfns,
		Logger:          logBknd.logger,
		ReconnectDelay:  cfg.ReconnectDelay,
		FlushDelay:      cfg.FlushDelay,
		NameQuietPeriod: cfg.NameQuietPeriod,
		NameBatchSize:   cfg.NameBatchSize,
		MinPreKeys:      cfg.MinPreKeys,
		Metrics:         reg,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	if cfg.ListenPrometheus != "" {
		log.Infof("Exposing prometheus metrics on %s", cfg.ListenPrometheus)
		g.Go(func() error {
			return runPrometheusListener(gctx, reg, cfg.ListenPrometheus)
		})
	}
	g.Go(func() error { return c.Connect(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if errors.Is(err, errCmdDone) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
