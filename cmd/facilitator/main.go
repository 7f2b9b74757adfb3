// Command facilitator runs the x402 facilitator HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	facilitator "github.com/vitwit/x402-facilitator"
	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/config"
	"github.com/vitwit/x402-facilitator/crosschain"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/server"
	"github.com/vitwit/x402-facilitator/txsubmit"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "facilitator:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	recorder := metrics.NewPrometheusRecorder()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := utils.PrivateKeyFromHex(cfg.Signer.PrivateKey)
	if err != nil {
		return fmt.Errorf("signer key: %w", err)
	}
	signer := utils.AddressFromPrivateKey(key)

	chains, err := chain.DialAll(ctx, cfg.RPCs())
	if err != nil {
		return fmt.Errorf("dial networks: %w", err)
	}

	submitters := make(map[string]*txsubmit.Submitter)
	var schemes []clients.Client
	for _, network := range chains.Networks() {
		backend, err := chains.Get(network)
		if err != nil {
			return err
		}
		if err := checkChainID(ctx, network, backend); err != nil {
			chains.Close()
			return err
		}

		scoped := logger.With(log, map[string]any{"network": network})
		sub := txsubmit.New(backend, key,
			txsubmit.WithNetwork(network),
			txsubmit.WithLogger(scoped),
			txsubmit.WithMetrics(recorder),
		)
		submitters[network] = sub

		client, err := clients.NewEVMClient(network, sub, clients.WithEVMLogger(scoped))
		if err != nil {
			chains.Close()
			return err
		}
		schemes = append(schemes, client)
	}

	registry, err := clients.NewRegistry(schemes...)
	if err != nil {
		chains.Close()
		return err
	}

	cc := cfg.CrossChain
	var b bridge.Bridge = bridge.NewReleaseBridge(submitters)
	if cc.Bridge.Type == config.BridgeAPI {
		b = bridge.NewAPIBridge(cc.Bridge.URL)
	}
	rates, err := cc.RateSource()
	if err != nil {
		chains.Close()
		return err
	}
	coordinator := bridge.NewCoordinator(chains, bridge.NewLiquidity(chains, signer), rates, b,
		bridge.WithLogger(log),
		bridge.WithMetrics(recorder),
		bridge.WithSourcePoll(cc.SourcePoll()),
		bridge.WithStatusPoll(cc.StatusPoll()),
	)

	store, err := bridge.NewFileStore(cc.Queue.Dir)
	if err != nil {
		chains.Close()
		return err
	}
	queue := bridge.NewQueue(store, coordinator, cc.QueueConfig(),
		bridge.WithQueueLogger(log),
		bridge.WithQueueMetrics(recorder),
	)

	routerOpts := []crosschain.Option{crosschain.WithLogger(log), crosschain.WithMetrics(recorder)}
	if cc.Enabled {
		routerOpts = append(routerOpts, crosschain.WithBridging(cc.LockAddress))
	}
	router := crosschain.NewRouter(registry, queue, routerOpts...)

	f, err := facilitator.New(facilitator.Config{
		Schemes: schemes,
		Router:  router,
		Hooks: facilitator.Hooks{
			BeforeVerify: []facilitator.BeforeVerifyHook{crosschain.LiquidityGate(coordinator, cc.Enabled)},
		},
		Extensions: []string{types.ExtensionCrossChain},
	},
		facilitator.WithLogger(log),
		facilitator.WithMetrics(recorder),
		facilitator.WithTimeout(cfg.Server.Timeout),
	)
	if err != nil {
		chains.Close()
		return err
	}
	// Schemes own the backends in chains.
	defer f.Close()

	if cfg.Server.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(f,
		server.WithLogger(log),
		server.WithJobs(queue),
		server.WithMetricsHandler(recorder.Handler()),
	)

	log.Info("facilitator starting", map[string]any{
		"addr":        cfg.Server.Addr,
		"networks":    chains.Networks(),
		"signer":      signer.Hex(),
		"cross_chain": cc.Enabled,
	})

	// Jobs left over from a previous run are also drained when bridging was
	// turned off since.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()

	err = srv.Run(ctx, cfg.Server.Addr, 15*time.Second)
	stop()
	wg.Wait()
	log.Info("facilitator stopped", nil)
	return err
}

func checkChainID(ctx context.Context, network string, backend chain.Backend) error {
	want, err := types.EVMChainID(network)
	if err != nil {
		return err
	}
	got, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%s: chain id: %w", network, err)
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("%s: rpc reports chain id %s", network, got)
	}
	return nil
}
