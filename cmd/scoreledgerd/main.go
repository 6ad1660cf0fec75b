// main.go - Score ledger daemon.
//
// Serves one confidential score ledger and its coprocessor over HTTP:
//   - loads or creates the Groth16 keys and the coprocessor network keys in key_dir
//   - keeps encrypted values and access grants in a badger store under data_dir
//   - journals ledger records to a JSON file, or to postgres when DATABASE_URL is set
//   - fans change notifications out to webhook peers
//
// Usage:
//
//	scoreledgerd -config scoreledgerd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"confidentialscore/internal/api"
	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
	"confidentialscore/internal/kv"
	"confidentialscore/internal/ledger"
	"confidentialscore/internal/ledger/postgres"
	"confidentialscore/internal/notify"
)

const version = "0.3.0"

// auditingNotifier forwards events to the hub and writes an audit trail.
type auditingNotifier struct {
	hub     *notify.Hub
	log     *Logger
	metrics *MetricsCollector
	name    string
	count   func() int
}

func (n auditingNotifier) Notify(e ledger.Event) {
	n.hub.Notify(e)
	n.log.Audit("score_submitted", logrus.Fields{
		"ledger":      e.Ledger,
		"participant": e.Participant,
		"seq":         e.Seq,
	})
	n.metrics.SetParticipants(n.name, n.count())
}

func main() {
	configPath := flag.String("config", "scoreledgerd.json", "path to a .json or .yaml config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "scoreledgerd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := NewMetricsCollector()
	health := NewHealthChecker(version)

	start := time.Now()
	ps, err := fhe.SetupProvingSystem(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("proving system: %w", err)
	}
	metrics.RecordSetup(time.Since(start))
	logger.WithField("elapsed", time.Since(start)).Info("proving system ready")

	keys, err := fhe.LoadOrCreateNetworkKeys(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("network keys: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	db, err := kv.Open(filepath.Join(cfg.DataDir, "coprocessor"), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	cp, err := fhe.NewCoprocessor(fhe.Config{
		ChainID:           cfg.ChainID,
		VerifyingContract: identity.ContractAddress("DecryptionOracle", cfg.ChainID),
		VerifyingKey:      ps.VK,
		Keys:              keys,
		Store:             fhe.NewKVStore(db),
	},
		fhe.WithLogger(logger),
		fhe.WithObserver(metrics.RecordBackendOp),
		fhe.WithMaxDurationDays(cfg.MaxDurationDays),
	)
	if err != nil {
		return err
	}

	ledgerAddr := identity.ContractAddress(cfg.LedgerName, cfg.ChainID)
	journal, check, closeJournal, err := openJournal(ctx, cfg, ledgerAddr)
	if err != nil {
		return err
	}
	defer closeJournal()

	hub := notify.NewHub(ledgerAddr.Hex(),
		notify.WithCapacity(cfg.EventCapacity),
		notify.WithPeers(cfg.Peers),
		notify.WithLogger(logger),
		notify.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}),
	)

	policy, _ := ledger.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	var l *ledger.Ledger
	notifier := auditingNotifier{
		hub:     hub,
		log:     logger,
		metrics: metrics,
		name:    cfg.LedgerName,
		count:   func() int { return l.Count() },
	}
	l, err = ledger.Open(ctx, ledgerAddr, cp,
		ledger.WithJournal(journal),
		ledger.WithNotifier(notifier),
		ledger.WithLogger(logger),
		ledger.WithDuplicatePolicy(policy),
	)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	metrics.SetParticipants(cfg.LedgerName, l.Count())

	health.RegisterComponent("ledger", ledgerCheck(l, cp))
	health.RegisterComponent("coprocessor_store", func(context.Context) error {
		_, err := db.Has([]byte("health"))
		return err
	})
	health.RegisterComponent("journal", check)
	health.RegisterComponent("notify", nil)

	limiter := NewParticipantRateLimiter(cfg.SubmitBurst, 1, time.Minute/time.Duration(cfg.SubmitRefillPerMin))
	srv := api.NewServer(api.Config{
		Coprocessor: cp,
		Ledgers:     []*ledger.Ledger{l},
		Events:      hub,
		Limiter:     limiter,
		Observer:    metrics.RecordRequest,
		OnError:     metrics.RecordAPIError,
		NonceTTL:    time.Duration(cfg.NonceTTLSeconds) * time.Second,
		Log:         logger,
	})
	srv.Handle("GET /healthz", health)
	srv.Handle("GET /metrics", metrics)

	go hub.Run(ctx)
	go housekeeping(ctx, limiter, hub, metrics, health)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.ListenAddr,
			"ledger":  ledgerAddr,
			"chain":   cfg.ChainID,
			"policy":  policy,
			"records": l.Count(),
		}).Info("scoreledgerd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openJournal picks postgres when a database url is configured, the file journal otherwise.
func openJournal(ctx context.Context, cfg *Config, ledgerAddr identity.Address) (ledger.Journal, Check, func(), error) {
	if cfg.DatabaseURL == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("journal dir: %w", err)
		}
		check := func(context.Context) error {
			_, err := os.Stat(filepath.Dir(cfg.JournalPath))
			return err
		}
		return ledger.NewFileJournal(cfg.JournalPath), check, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	j := postgres.NewJournal(pool, ledgerAddr)
	if err := j.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, j.Ping, pool.Close, nil
}

func housekeeping(ctx context.Context, limiter *ParticipantRateLimiter, hub *notify.Hub, metrics *MetricsCollector, health *HealthChecker) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			limiter.Prune()
			metrics.SetGauge(MetricWebhookDelivered, float64(hub.Delivered()), nil)
			metrics.SetGauge(MetricWebhookDropped, float64(hub.Dropped()), nil)
			dropped = updateNotifyHealth(health, hub.Dropped(), dropped)
		}
	}
}

// updateNotifyHealth marks notify degraded while notifications are being dropped and
// returns the new baseline.
func updateNotifyHealth(health *HealthChecker, dropped, last uint64) uint64 {
	if dropped > last {
		health.UpdateComponent("notify", Degraded, fmt.Sprintf("%d notifications dropped since last check", dropped-last))
	} else {
		health.UpdateComponent("notify", Healthy, "OK")
	}
	return dropped
}

type aclReader interface {
	IsAllowed(ctx context.Context, h fhe.Handle, principal identity.Address) (bool, error)
}

// ledgerCheck confirms the newest participant's handle is still granted to the ledger
// and to its owner.
func ledgerCheck(l *ledger.Ledger, acl aclReader) Check {
	return func(ctx context.Context) error {
		n := l.Count()
		if n == 0 {
			return nil
		}
		if l.Seq() < uint64(n) {
			return fmt.Errorf("sequence %d behind %d participants", l.Seq(), n)
		}
		p, err := l.ByIndex(n - 1)
		if err != nil {
			return err
		}
		h, err := l.Get(p)
		if err != nil {
			return err
		}
		for _, principal := range []identity.Address{l.Address(), p} {
			ok, err := acl.IsAllowed(ctx, h, principal)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("handle %s not granted to %s", h.Redacted(), principal)
			}
		}
		return nil
	}
}
