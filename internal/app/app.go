// Package app wires together every component the daemon needs for one
// run: config, logging, storage, the exchange gateway (REST plus the
// push-feed cache), the scanner, executor, supervisor, metrics, and
// alerting.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carrybot/internal/alerts"
	"carrybot/internal/config"
	"carrybot/internal/domain"
	"carrybot/internal/executor"
	"carrybot/internal/gateway"
	"carrybot/internal/gateway/ws"
	"carrybot/internal/guardian"
	"carrybot/internal/history"
	"carrybot/internal/logging"
	"carrybot/internal/metrics"
	"carrybot/internal/scanner"
	"carrybot/internal/state/sqlite"
	"carrybot/internal/supervisor"
	"carrybot/internal/telemetry"
)

// App holds every long-lived component Run drives until ctx is
// canceled or the Supervisor exits on its own (kill switch, drain
// timeout, manual intervention).
type App struct {
	cfg  *config.Config
	log  *zap.Logger
	gw   *gateway.HTTPGateway
	feed *ws.Feed

	store    *sqlite.Store
	posStore *sqlite.PositionStore

	scanner    *scanner.Scanner
	exec       *executor.Manager
	supervisor *supervisor.Supervisor

	promMetrics *metrics.Prometheus
	telegram    *alerts.Telegram
	history     *history.Writer

	metricsSrv *http.Server
}

// New resolves cfg into a fully wired App. The exchange account's
// signing key is read from CARRYBOT_PRIVATE_KEY rather than the yaml
// config file, so it never ends up on disk next to the rest of the
// settings.
func New(cfg *config.Config) (*App, error) {
	log := logging.New(cfg.Log)

	signer, err := gateway.NewSigner(os.Getenv("CARRYBOT_PRIVATE_KEY"), strings.EqualFold(cfg.Exchange.Name, "mainnet"))
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	rest, err := gateway.NewRestClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, "", log)
	if err != nil {
		return nil, fmt.Errorf("build rest client: %w", err)
	}
	gw := gateway.NewHTTPGateway(rest, cfg.Exchange.RequestsPerSecond, cfg.Exchange.BurstSize, log)

	var feed *ws.Feed
	if cfg.WS.URL != "" {
		wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
		feed = ws.NewFeed(wsClient, log)
		gw.WithFeed(feed)
	}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	posStore, err := sqlite.NewPositionStoreFromDB(store.DB())
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}

	promMetrics := metrics.NewPrometheus()
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	sink := telemetry.Sink(telemetry.NewNoop())
	if cfg.Metrics.Enabled {
		sink = telemetry.NewPrometheusSink(promMetrics.Registry())
	}
	if cfg.Telegram.Enabled {
		sink = telemetry.NewNotifyingSink(sink, telegram, log)
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		return nil, fmt.Errorf("open history writer: %w", err)
	}

	scan := scanner.New(gw, scanner.Config{
		Period:          secondsToDuration(cfg.Scanner.PeriodSeconds),
		QuoteCurrency:   cfg.Exchange.QuoteCurrency,
		MinFundingRate:  cfg.Scanner.MinFundingRate,
		MinVolume24h:    cfg.Scanner.MinVolume24h,
		MinSpread:       cfg.Scanner.MinSpread,
		StaleAfterTicks: uint64(cfg.Scanner.StaleAfterTicks),
	}, log).WithHistory(hist)

	exec := executor.New(gw, executor.Config{
		JoinTimeout:              cfg.Entry.JoinTimeout,
		AmbiguousPoll:            cfg.Entry.AmbiguousPoll,
		AmbiguousWindow:          cfg.Entry.AmbiguousWindow,
		ManualInterventionWindow: cfg.Entry.ManualInterventionWindow,
		ExitRetryAttempts:        cfg.Guardian.ExitRetryAttempts,
	}, log, uuid.NewString).
		WithMetrics(promMetrics.Metrics).
		WithTelemetry(sink)

	guardianCfg := guardian.Config{
		Period:             secondsToDuration(cfg.Guardian.PeriodSeconds),
		TickBudget:         cfg.Guardian.TickBudget,
		ExitFundingRate:    cfg.Guardian.ExitFundingRate,
		ExitSpread:         cfg.Guardian.ExitSpread,
		NegativeFRDebounce: cfg.Guardian.NegativeFRDebounce,
		MarginUsageHigh:    cfg.Guardian.MarginUsageHigh,
		MarginUsageTarget:  cfg.Guardian.MarginUsageTarget,
	}

	sup := supervisor.New(exec, gw, posStore, supervisor.Config{
		Period:           secondsToDuration(cfg.Supervisor.PeriodSeconds),
		MaxOpenPositions: cfg.Supervisor.MaxOpenPositions,
		DrainTimeout:     cfg.Supervisor.DrainTimeout,
		NotionalPerEntry: cfg.Entry.NotionalPerEntry,
	}, guardianCfg, log).
		WithMetrics(promMetrics.Metrics).
		WithTelemetry(sink).
		WithHistory(hist)
	if cfg.Telegram.Enabled {
		sup = sup.WithNotifier(sink.(*telemetry.NotifyingSink))
	}

	a := &App{
		cfg: cfg, log: log, gw: gw, feed: feed,
		store: store, posStore: posStore,
		scanner: scan, exec: exec, supervisor: sup,
		promMetrics: promMetrics, telegram: telegram, history: hist,
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promMetrics.Handler())
		a.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}
	return a, nil
}

// Run resumes any previously-open positions, starts the push feed, the
// metrics server, the scanner, and the Supervisor's tick loop, and
// blocks until the Supervisor exits. Its return value is one of the
// supervisor.Exit* codes.
func (a *App) Run(ctx context.Context) int {
	if err := a.resume(ctx); err != nil {
		a.log.Error("startup resume failed", zap.Error(err))
		return supervisor.ExitManualIntervention
	}

	a.history.Start(ctx)

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = a.metricsSrv.Close() }()
	}

	if a.feed != nil {
		symbols, err := a.gw.ListPerpSymbols(ctx)
		if err != nil {
			a.log.Warn("push feed symbol discovery failed, staying REST-only", zap.Error(err))
		} else {
			for _, sym := range symbols {
				if err := a.feed.Subscribe(ctx, sym.Base); err != nil {
					a.log.Warn("push feed subscribe failed", zap.String("symbol", sym.Base), zap.Error(err))
				}
			}
			go func() {
				if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
					a.log.Warn("push feed stopped", zap.Error(err))
				}
			}()
		}
	}

	candidates := make(chan []domain.TargetCandidate, 1)
	go func() {
		if err := a.scanner.Run(ctx, candidates); err != nil && ctx.Err() == nil {
			a.log.Error("scanner stopped", zap.Error(err))
		}
	}()

	return a.supervisor.Run(ctx, candidates)
}

// resume loads every OPEN/CLOSING position from storage and hands it
// to the Supervisor to reconcile against live exchange state before
// the tick loop starts.
func (a *App) resume(ctx context.Context) error {
	rows, err := a.posStore.LoadResumable(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	symbols, err := a.gw.ListPerpSymbols(ctx)
	if err != nil {
		return err
	}

	const reconcileStep = 1e-6
	positions := resolveResumePositions(rows, symbols, a.cfg.Exchange.QuoteCurrency)
	return a.supervisor.Resume(ctx, positions, reconcileStep)
}

// resolveResumePositions rebuilds ActivePositions from persisted rows,
// resolving each row's symbol key (domain.Symbol.String(), "BASE/QUOTE")
// against the venue's current symbol listing. A row whose key no
// longer matches any listed symbol still resumes, built from the
// persisted base/quote alone, so a delisted pair is not silently
// dropped from reconciliation.
func resolveResumePositions(rows []sqlite.PositionRow, symbols []domain.Symbol, fallbackQuote string) []*domain.ActivePosition {
	bySymbol := make(map[string]domain.Symbol, len(symbols))
	for _, sym := range symbols {
		bySymbol[sym.String()] = sym
	}

	positions := make([]*domain.ActivePosition, 0, len(rows))
	for _, row := range rows {
		sym, ok := bySymbol[row.SymbolKey]
		if !ok {
			base, quote := splitSymbolKey(row.SymbolKey, fallbackQuote)
			sym = domain.Symbol{Base: base, Quote: quote, SpotInstrument: base + "/" + quote, PerpInstrument: base}
		}
		positions = append(positions, &domain.ActivePosition{
			ID:                row.ID,
			Symbol:            sym,
			EntryTimestamp:    row.EntryTimestamp,
			SpotQuantity:      row.SpotQuantity,
			PerpShortQuantity: row.PerpQuantity,
			EntrySpread:       row.EntrySpread,
			TotalFeesQuote:    row.TotalFeesQuote,
			State:             row.State,
		})
	}
	return positions
}

func splitSymbolKey(key, fallbackQuote string) (base, quote string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, fallbackQuote
}

// Close releases every resource New opened, in reverse order.
func (a *App) Close() error {
	if err := a.history.Close(); err != nil {
		a.log.Warn("close history writer", zap.Error(err))
	}
	if err := a.posStore.Close(); err != nil {
		a.log.Warn("close position store", zap.Error(err))
	}
	return a.store.Close()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
