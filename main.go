package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"glassproxy/certcache"
)

var processStart = time.Now()

func main() {
	if len(os.Args) > 1 && os.Args[1] == "install-ca" {
		installFlags := flag.NewFlagSet("install-ca", flag.ExitOnError)
		configPath := installFlags.String("config", "", "path to the YAML configuration file")
		installFlags.Parse(os.Args[2:])

		config, err := LoadConfig(*configPath)
		if err != nil {
			log.Fatal(fmt.Errorf("configuration error: %w", err))
		}
		if err := runInstallCA(config); err != nil {
			log.Fatal(err)
		}
		return
	}

	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
	)
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(fmt.Errorf("configuration error: %w", err))
	}

	if err := setupLogging(config.LogLevel); err != nil {
		log.Fatal(fmt.Errorf("configuration error: %w", err))
	}

	applySchedulerMode(config)

	if config.Runtime.Mode == RuntimeModeMultiProcess && !isWorkerProcess() {
		// Parent role: fork the workers, forward signals, wait.
		if err := superviseChildren(config); err != nil {
			logger.Error(err)
			logWriter.Close()
			os.Exit(1)
		}
		logWriter.Close()
		return
	}

	if err := runProxy(config); err != nil {
		logger.Error(err)
		logWriter.Close()
		os.Exit(1)
	}
	logWriter.Close()
}

// runProxy assembles the shared resources once, binds the listeners and
// serves until interrupted. Everything here is startup: failures abort with
// a non-zero exit, while per-request errors later never reach this level.
func runProxy(config *Config) error {
	if err := checkListenPrivileges(config.ListenAddr); err != nil {
		return err
	}

	cache := buildCertCache(config)
	fetcher := certcache.NewFetcher(cache)

	var ca *CertificateAuthority
	if config.TLS.CACertPath != "" {
		var err error
		ca, err = LoadCertificateAuthority(config.TLS.CACertPath, config.TLS.CAKeyPath, config.TLS.Organization, config.LeafTTL())
		if err != nil {
			return err
		}
	} else if config.HTTPSInterceptionEnabled {
		return fmt.Errorf("https interception requires tls.ca_cert_path")
	}

	upstream, err := newUpstreamClient(config)
	if err != nil {
		return err
	}

	recorder := NewRecorder()
	pipeline := NewPipeline(upstream, recorder, config)

	proxy, err := NewProxyServer(config, pipeline, fetcher, ca)
	if err != nil {
		return err
	}

	listener, err := newProxyListener(config, config.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", config.ListenAddr, err)
	}

	controller := createController(fetcher, recorder, config)
	go func() {
		if err := controller.Run(config.ControlAddr); err != nil {
			logger.Errorf("control API stopped: %v", err)
		}
	}()

	if config.HTTPSListenAddr != "" {
		httpsListener, err := newProxyListener(config, config.HTTPSListenAddr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", config.HTTPSListenAddr, err)
		}
		go func() {
			if err := proxy.ServeTLS(httpsListener); err != nil {
				logger.Errorf("https ingress stopped: %v", err)
			}
		}()
		logger.Infof("https ingress listening on %s", config.HTTPSListenAddr)
	}

	go func() {
		if err := proxy.Serve(listener); err != nil {
			logger.Fatalf("proxy listener failed: %v", err)
		}
	}()

	logger.Infof("glassproxy listening on %s (pid %d, mode %s, interception %t)",
		config.ListenAddr, os.Getpid(), config.Runtime.Mode, config.HTTPSInterceptionEnabled)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	logger.Info("glassproxy: shutting down")
	listener.Close()
	return nil
}

// buildCertCache selects the configured backend. A configured-but-dead
// remote backend degrades to the in-process cache instead of failing the
// process.
func buildCertCache(config *Config) certcache.Cache {
	if config.Cache.Backend == CacheBackendRemote {
		remote, err := certcache.NewRemote(config.Cache.RemoteURL, config.Cache.KeyPrefix, certcache.DefaultSafetyMargin)
		if err == nil {
			logger.Infof("using remote certificate cache at %s", config.Cache.RemoteURL)
			return remote
		}
		logger.Warnf("%v: %v; falling back to in-process cache", ErrCacheUnavailable, err)
	}

	return certcache.NewMemory(config.Cache.MaxEntries, certcache.DefaultSafetyMargin)
}
