package payments

import (
	"context"
	"net/http"
	"time"

	"pesabridge/internal/payments/archive"
	"pesabridge/internal/payments/chain"
	"pesabridge/internal/payments/convert"
	"pesabridge/internal/payments/doublespend"
	"pesabridge/internal/payments/fx"
	paymentshttp "pesabridge/internal/payments/http"
	"pesabridge/internal/payments/lightning"
	"pesabridge/internal/payments/monitor"
	"pesabridge/internal/payments/notify"
	"pesabridge/internal/payments/orchestrator"
	"pesabridge/internal/payments/payout"
	"pesabridge/internal/payments/repo"
	"pesabridge/internal/payments/risk"
	"pesabridge/internal/payments/settle"
	"pesabridge/internal/payments/ws"
	"pesabridge/utils"
)

type moduleState struct {
	invoicesRepo  *repo.InvoicesRepo
	txsRepo       *repo.TransactionsRepo
	merchantsRepo *repo.MerchantsRepo
	dsRepo        *repo.DoubleSpendRepo

	chainClient  *chain.Client
	lnClient     *lightning.Client
	fxClient     *fx.Client
	payoutClient *payout.Client

	patternStore *risk.RedisPatternStore
	riskGate     *risk.Gate
	dsGate       *doublespend.Gate
	optimizer    *convert.Optimizer
	router       *settle.Router
	paymentMon   *monitor.Monitor
	registry     *monitor.Registry
	hub          *ws.MerchantHub
	svc          *orchestrator.Service
	server       *paymentshttp.Server
	tokens       *utils.Manager
}

func ensureModule(deps *PaymentsDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config

	tokens, err := utils.NewManager(cfg.JWTSigningKey)
	if err != nil {
		return nil, err
	}

	chainClient := chain.NewClient(deps.HTTPClient, cfg.ChainAPIURL, cfg.ChainAPIKey)
	lnClient := lightning.NewClient(deps.HTTPClient, cfg.LightningAPIURL, cfg.LightningMacaroon)
	fxClient := fx.NewClient(deps.HTTPClient, cfg.FXAPIURL, cfg.FXAPIKey, cfg.FXSecret)
	payoutClient := payout.NewClient(deps.HTTPClient, cfg.MpesaBaseURL, cfg.MpesaConsumerKey, cfg.MpesaConsumerSecret, cfg.MpesaShortcode, cfg.MpesaCallbackURL)

	invoicesRepo := repo.NewInvoicesRepo(deps.DB)
	txsRepo := repo.NewTransactionsRepo(deps.DB)
	merchantsRepo := repo.NewMerchantsRepo(deps.DB)
	dsRepo := repo.NewDoubleSpendRepo(deps.DB)

	patternStore := risk.NewRedisPatternStore(deps.RDB)
	riskGate := risk.NewGate(patternStore, deps.Logger)
	dsGate := doublespend.NewGate(chainClient, patternStore, dsRepo, deps.Logger)
	optimizer := convert.NewOptimizer(fxClient, nil)

	var archiver settle.ReceiptArchiver
	if cfg.ReceiptsBucket != "" {
		a, err := archive.NewS3Archiver(archive.Config{
			AccessKey: cfg.ReceiptsAccessKey,
			SecretKey: cfg.ReceiptsSecretKey,
			Bucket:    cfg.ReceiptsBucket,
			Region:    cfg.ReceiptsRegion,
			Endpoint:  cfg.ReceiptsEndpoint,
		})
		if err != nil {
			return nil, err
		}
		archiver = a
	}

	router := settle.NewRouter(fxClient, payoutClient, lnClient, optimizer, txsRepo, archiver, deps.Logger, cfg.ServiceFeeRate, cfg.MaxConversionWait)
	paymentMon := monitor.NewMonitor(chainClient, lnClient, deps.Logger)
	registry := monitor.NewRegistry(cfg.PollInterval, deps.Logger)
	hub := ws.NewMerchantHub(deps.Logger)
	notifier := notify.NewNotifier(deps.FCM)

	svc := orchestrator.NewService(orchestrator.Deps{
		Invoices:  invoicesRepo,
		Txs:       txsRepo,
		Merchants: merchantsRepo,
		RiskGate:  riskGate,
		Chain:     chainClient,
		Lightning: lnClient,
		Quoter:    fxClient,
		Monitor:   paymentMon,
		DSGate:    dsGate,
		Router:    router,
		Registry:  registry,
		Events:    hub,
		Pushes:    notifier,
		Logger:    deps.Logger,

		InvoiceTTL:   cfg.InvoiceTTL,
		RiskFailOpen: cfg.RiskFailOpen,
	})

	server := paymentshttp.NewServer(deps.Logger, svc, merchantsRepo, txsRepo, hub, tokens, cfg.MpesaWebhookSecret)

	deps.module = &moduleState{
		invoicesRepo:  invoicesRepo,
		txsRepo:       txsRepo,
		merchantsRepo: merchantsRepo,
		dsRepo:        dsRepo,
		chainClient:   chainClient,
		lnClient:      lnClient,
		fxClient:      fxClient,
		payoutClient:  payoutClient,
		patternStore:  patternStore,
		riskGate:      riskGate,
		dsGate:        dsGate,
		optimizer:     optimizer,
		router:        router,
		paymentMon:    paymentMon,
		registry:      registry,
		hub:           hub,
		svc:           svc,
		server:        server,
		tokens:        tokens,
	}
	return deps.module, nil
}

// Handler builds the module's HTTP handler.
func Handler(deps *PaymentsDeps) (http.Handler, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, err
	}
	return module.server.Routes(), nil
}

// StartPaymentWorkers launches background workers: the expiry sweeper, the
// deferred conversion sweeper and resumption of payment monitors for
// invoices that were open when the process last stopped.
func StartPaymentWorkers(ctx context.Context, deps *PaymentsDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	if err := module.svc.ResumeMonitors(ctx); err != nil {
		deps.Logger.Errorf("payments: resume monitors: %v", err)
	}
	go module.startExpirySweeper(ctx, deps.Config.ExpirySweepTick, deps.Logger)
	go module.startConversionSweeper(ctx, deps.Config.ConvertSweepTick, deps.Logger)
	return nil
}

func (m *moduleState) startExpirySweeper(ctx context.Context, tick time.Duration, logger Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.registry.Close()
			return
		case <-ticker.C:
			if err := m.svc.ExpireDue(ctx); err != nil {
				logger.Errorf("payments: expiry sweep: %v", err)
			}
		}
	}
}

func (m *moduleState) startConversionSweeper(ctx context.Context, tick time.Duration, logger Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.svc.RunDeferredConversions(ctx); err != nil {
				logger.Errorf("payments: conversion sweep: %v", err)
			}
		}
	}
}
