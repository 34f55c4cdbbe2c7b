// Command escrowd runs the escrow session ledger behind a small operator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/chain"
	"github.com/nacorid/x402-escrow/config"
	"github.com/nacorid/x402-escrow/entitlement"
	"github.com/nacorid/x402-escrow/facilitator"
	x402http "github.com/nacorid/x402-escrow/http"
	"github.com/nacorid/x402-escrow/ledger"
	"github.com/nacorid/x402-escrow/settlement"
	"github.com/nacorid/x402-escrow/signers/evm"
)

func main() {
	if err := run(); err != nil {
		slog.Error("escrowd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	flagSet := pflag.NewFlagSet("escrowd", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "listen address")
	flagSet.StringVar(&cfg.Database.Driver, "db-driver", cfg.Database.Driver, "ledger store: sqlite, postgres or memory")
	flagSet.StringVar(&cfg.Database.URL, "db-url", cfg.Database.URL, "ledger database path or DSN")
	flagSet.StringVar(&cfg.Entitlements.Backend, "entitlements", cfg.Entitlements.Backend, "entitlement store: sqlite, redis or memory")
	flagSet.StringVar(&cfg.Chain.RPCURL, "rpc", cfg.Chain.RPCURL, "chain JSON-RPC endpoint")
	flagSet.StringVar(&cfg.Facilitator.URL, "facilitator", cfg.Facilitator.URL, "facilitator URL")
	flagSet.BoolVar(&cfg.Server.MCP, "mcp", cfg.Server.MCP, "serve the paid MCP tools under /mcp")
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "Usage: escrowd [flags]")
		flagSet.PrintDefaults()
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, closers, err := build(ctx, cfg, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	router, err := newRouter(app, cfg.Server.MCP)
	if err != nil {
		return err
	}
	return serve(ctx, cfg.Server.Addr, router, logger)
}

// statementAmount is the price of a session statement in atomic units.
const statementAmount = "1000"

type app struct {
	ledger *ledger.Service
	gate   *x402http.Gate
	logger *slog.Logger

	// statementPrice is the gate's price template for session statements.
	statementPrice escrow.PaymentRequirements
}

// build wires stores, chain reader, facilitator and ledger service. Every
// opened resource is returned in closers, even on error.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, []io.Closer, error) {
	var closers []io.Closer

	store, err := openLedger(ctx, cfg.Database)
	if err != nil {
		return nil, closers, err
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}

	entitlements, err := openEntitlements(ctx, cfg.Entitlements)
	if err != nil {
		return nil, closers, err
	}
	if c, ok := entitlements.(io.Closer); ok {
		closers = append(closers, c)
	}

	if cfg.Chain.RPCURL == "" {
		return nil, closers, errors.New("CHAIN_RPC_URL is required to verify deposits")
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, closerFunc(func() error { client.Close(); return nil }))
	verifier := chain.NewVerifier(client,
		chain.WithMinConfirmations(cfg.Chain.MinConfirmations),
		chain.WithTimeout(cfg.Timeouts.ChainTimeout),
		chain.WithLogger(logger),
	)

	fac := newFacilitator(cfg, logger)

	pipeline, err := settlement.New(fac, entitlements,
		settlement.WithTimeouts(cfg.Timeouts),
		settlement.WithLogger(logger),
	)
	if err != nil {
		return nil, closers, err
	}

	chainCfg, err := escrow.GetChainConfig(cfg.Escrow.Network)
	if err != nil {
		return nil, closers, err
	}
	var tokens []escrow.TokenConfig
	if cfg.Escrow.Asset == "" {
		tokens = []escrow.TokenConfig{chainCfg.USDCToken()}
	} else if token, ok := escrow.LookupToken(cfg.Escrow.Network, cfg.Escrow.Asset); ok {
		tokens = []escrow.TokenConfig{token}
	} else {
		tokens = []escrow.TokenConfig{{Address: cfg.Escrow.Asset, Decimals: int(chainCfg.Decimals)}}
	}
	custodian, err := evm.NewSigner(cfg.Escrow.Network, cfg.Escrow.CustodianKey, tokens)
	if err != nil {
		return nil, closers, escrow.NewPaymentError(escrow.ErrCodeMisconfiguredSigner, "load custodian key", err)
	}

	onEvent := func(e escrow.PaymentEvent) {
		logger.Debug("payment event", "type", e.Type, "method", e.Method, "kind", e.Kind, "session", e.SessionID, "paymentID", e.PaymentID, "amount", e.Amount, "tx", e.Transaction)
	}

	svc, err := ledger.NewService(store, custodian, pipeline, verifier, ledger.Config{
		Asset:                 cfg.Escrow.Asset,
		Tolerance:             cfg.Escrow.Tolerance,
		PaymentTimeoutSeconds: cfg.Escrow.PaymentTimeoutSeconds,
		Logger:                logger.With("component", "ledger"),
		OnPaymentEvent:        onEvent,
	})
	if err != nil {
		return nil, closers, err
	}

	gate, err := x402http.NewGate(x402http.GateConfig{
		Pipeline:       pipeline,
		Logger:         logger.With("component", "gate"),
		OnPaymentEvent: onEvent,
	})
	if err != nil {
		return nil, closers, err
	}

	logger.Info("escrow ready",
		"network", cfg.Escrow.Network,
		"custodian", svc.Custodian(),
		"ledger", cfg.Database.Driver,
		"entitlements", cfg.Entitlements.Backend,
	)
	token := tokens[0]
	price := escrow.PaymentRequirements{
		Scheme:            escrow.SchemeExact,
		Network:           cfg.Escrow.Network,
		Amount:            statementAmount,
		Asset:             token.Address,
		PayTo:             svc.Custodian(),
		MaxTimeoutSeconds: cfg.Escrow.PaymentTimeoutSeconds,
		Extra:             map[string]interface{}{escrow.ExtraName: token.Name, escrow.ExtraVersion: token.Version},
	}
	return &app{ledger: svc, gate: gate, logger: logger, statementPrice: price}, closers, nil
}

func openLedger(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return ledger.OpenPostgres(ctx, cfg.URL)
	case "memory":
		return ledger.NewMemoryStore(), nil
	default:
		return ledger.OpenSQLite(cfg.URL)
	}
}

func openEntitlements(ctx context.Context, cfg config.EntitlementConfig) (entitlement.Store, error) {
	switch cfg.Backend {
	case "redis":
		store := entitlement.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return store, nil
	case "memory":
		return entitlement.NewMemoryStore(), nil
	default:
		return entitlement.OpenSQLite(cfg.Path)
	}
}

func newFacilitator(cfg *config.Config, logger *slog.Logger) facilitator.Interface {
	primary := x402http.NewFacilitatorClient(cfg.Facilitator.URL)
	primary.Timeouts = cfg.Timeouts
	primary.Authorization = cfg.Facilitator.Authorization
	primary.MaxRetries = cfg.Facilitator.MaxRetries
	if cfg.Facilitator.FallbackURL == "" {
		return primary
	}

	secondary := x402http.NewFacilitatorClient(cfg.Facilitator.FallbackURL)
	secondary.Timeouts = cfg.Timeouts
	secondary.MaxRetries = cfg.Facilitator.MaxRetries
	return &facilitator.Fallback{Primary: primary, Secondary: secondary, Logger: logger}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
