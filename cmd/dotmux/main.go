package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/raven-go"

	"dotmux/internal/correlation"
	"dotmux/internal/log"
	"dotmux/internal/meta"
	"dotmux/internal/metrics"
	"dotmux/internal/network"
	"dotmux/internal/protocol"
)

func main() {
	configPath := flag.String(
		"config",
		os.Getenv("DOTMUX_CONFIG"),
		"path to the configuration file on disk",
	)
	version := flag.Bool(
		"version",
		false,
		"print the compiled dotmux version SHA",
	)
	verbosity := flag.String(
		"verbosity",
		"error",
		"desired logging verbosity: one of error, warn, info, debug",
	)
	flag.Parse()

	// Report the compiled version and exit
	if *version {
		fmt.Printf("dotmux/%s\n", meta.VersionSHA)
		return
	}

	// Logging configuration; default to log.Error verbosity
	level, _ := log.ParseLevel(*verbosity)
	logger := log.NewConsoleLogger(level)
	logger.Debug("main: initialized logger: level=%v", level)

	// Parse application configuration
	logger.Debug("main: reading and parsing config: path=%s", *configPath)
	config, err := meta.ParseConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// Configure error reporting
	if config.Application != nil && config.Application.SentryDSN != "" {
		raven.SetDSN(config.Application.SentryDSN)
		raven.SetRelease(meta.VersionSHA)
	}

	// Configure metrics reporting
	clientCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	upstreamCxLifecycleHook := metrics.NewNoopConnectionLifecycleHook()
	clientCxIOHook := metrics.NewNoopConnectionIOHook()
	sessionHook := metrics.NewNoopSessionHook()
	proxyHook := metrics.NewNoopProxyHook()

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		statsdAddr := config.Metrics.Statsd.Address
		sampleRate := float32(config.Metrics.Statsd.SampleRate)

		if clientCxLifecycleHook, err = metrics.NewAsyncStatsdConnectionLifecycleHook(
			"client",
			statsdAddr,
			sampleRate,
		); err != nil {
			panic(err)
		}

		if upstreamCxLifecycleHook, err = metrics.NewAsyncStatsdConnectionLifecycleHook(
			"upstream",
			statsdAddr,
			sampleRate,
		); err != nil {
			panic(err)
		}

		if clientCxIOHook, err = metrics.NewAsyncStatsdConnectionIOHook(
			"client",
			statsdAddr,
			sampleRate,
		); err != nil {
			panic(err)
		}

		if sessionHook, err = metrics.NewAsyncStatsdSessionHook(statsdAddr, sampleRate); err != nil {
			panic(err)
		}

		if proxyHook, err = metrics.NewAsyncStatsdProxyHook(statsdAddr, sampleRate); err != nil {
			panic(err)
		}
	} else {
		logger.Warn("main: no metrics output engine specified; disabling metrics")
	}

	// Proxy-level knobs with defaults
	queryTimeout := 5 * time.Second
	maxPending := 0
	shutdownGrace := 5 * time.Second
	if config.Proxy != nil {
		if config.Proxy.QueryTimeout > 0 {
			queryTimeout = config.Proxy.QueryTimeout
		}
		maxPending = config.Proxy.MaxPendingQueries
		if config.Proxy.ShutdownGrace > 0 {
			shutdownGrace = config.Proxy.ShutdownGrace
		}
	}

	// Configure the correlation table and the upstream session
	table := correlation.NewTable(maxPending)

	logger.Info(
		"main: starting upstream session: addr=%s name=%s",
		config.Upstream.Address,
		config.Upstream.ServerName,
	)

	dialer := network.NewTLSDialer(
		config.Upstream.Address,
		config.Upstream.ServerName,
		network.TLSDialerOpts{
			ConnectTimeout:   config.Upstream.ConnectTimeout,
			HandshakeTimeout: config.Upstream.HandshakeTimeout,
		},
	)

	session := network.NewUpstreamSession(
		dialer,
		table,
		upstreamCxLifecycleHook,
		sessionHook,
		logger,
		network.UpstreamSessionOpts{
			QueueSize:      config.Upstream.QueueSize,
			WriteTimeout:   config.Upstream.WriteTimeout,
			BackoffFloor:   config.Upstream.ReconnectBackoffFloor,
			BackoffCeiling: config.Upstream.ReconnectBackoffCeiling,
		},
	)
	session.Start()

	// Configure server listeners
	h := &protocol.DNSProxyHandler{
		Session:        session,
		Table:          table,
		ClientCxIOHook: clientCxIOHook,
		SessionHook:    sessionHook,
		ProxyHook:      proxyHook,
		Logger:         logger,
		Opts: protocol.DNSProxyOpts{
			QueryTimeout: queryTimeout,
		},
	}
	h.Start()

	var udpServer *network.UDPServer
	var tcpServer *network.TCPServer

	if config.Listener.UDP != nil {
		logger.Info(
			"main: configuring UDP server listener: addr=%s max_concurrent_conns=%d",
			config.Listener.UDP.Address,
			config.Listener.UDP.MaxConcurrentConnections,
		)

		opts := network.UDPServerOpts{
			MaxConcurrentConnections: config.Listener.UDP.MaxConcurrentConnections,
			ReadTimeout:              config.Listener.UDP.ReadTimeout,
			WriteTimeout:             config.Listener.UDP.WriteTimeout,
		}

		udpServer = network.NewUDPServer(config.Listener.UDP.Address, opts)

		go func() {
			if err := udpServer.ListenAndServe(h); err != nil {
				panic(err)
			}
		}()
	}

	if config.Listener.TCP != nil {
		logger.Info(
			"main: configuring TCP server listener: addr=%s",
			config.Listener.TCP.Address,
		)

		opts := network.TCPServerOpts{
			ReadTimeout:  config.Listener.TCP.ReadTimeout,
			WriteTimeout: config.Listener.TCP.WriteTimeout,
		}

		tcpServer = network.NewTCPServer(
			config.Listener.TCP.Address,
			clientCxLifecycleHook,
			opts,
		)

		go func() {
			if err := tcpServer.ListenAndServe(h); err != nil {
				panic(err)
			}
		}()
	}

	// Serve until asked to stop
	logger.Info("main: serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info("main: received signal; shutting down: signal=%s", received)

	// Stop accepting new queries, let in-flight ones finish up to the grace period, then
	// tear the upstream session down.
	if udpServer != nil {
		udpServer.Close()
	}
	if tcpServer != nil {
		tcpServer.Close()
	}

	if quiesced := h.Stop(shutdownGrace); !quiesced {
		logger.Warn("main: shutdown grace elapsed with queries still in flight")
	}

	session.Close()

	logger.Info("main: shutdown complete")
}
