package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/api"
	"github.com/ignite/sparkpost-monitor/internal/config"
	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pmta"
	"github.com/ignite/sparkpost-monitor/internal/repository/postgres"
	"github.com/ignite/sparkpost-monitor/internal/storage"
	"github.com/ignite/sparkpost-monitor/internal/worker"
	"github.com/redis/go-redis/v9"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// setupJobControlPlane wires the Send Job control plane: PMTA client,
// pressure controller, preflight gate, scoped backoff, scheduler, job
// controller and its Operator Surface, job persistence, and the
// accounting bridge/reconciler. It mounts the Operator Surface onto
// server and returns the launcher so callers can wait for outstanding
// jobs to drain on shutdown.
//
// Mirrors the surrounding main()'s pattern of "construct, log, degrade
// gracefully if a dependency is unreachable" rather than failing fast —
// a send job control plane that comes up without PMTA reachable should
// still accept operator requests and fail them individually at preflight.
func setupJobControlPlane(ctx context.Context, server *api.Server, db *sql.DB, redisClient *redis.Client, store *storage.Storage) *worker.SchedulerLauncher {
	if err := postgres.EnsureJobSchema(db); err != nil {
		log.Printf("Warning: job schema bootstrap failed: %v — Send Job control plane disabled", err)
		return nil
	}

	jobStore := postgres.NewJobStore(db)
	outcomeStore := postgres.NewOutcomeStore(db)
	recipientRegistry := postgres.NewRecipientRegistry(db)
	cursorStore := postgres.NewBridgeCursorStore(db)
	overrideStore := postgres.NewConfigOverrideStore(db)

	configStore := config.NewConfigStore(config.PressureSchema(), overrideStore)
	if err := configStore.Load(ctx); err != nil {
		log.Printf("Warning: config store load failed: %v", err)
	}

	pmtaHost := envOrDefault("PMTA_HOST", "127.0.0.1")
	pmtaPort := envIntOrDefault("PMTA_PORT", 8080)
	pmtaAPIKey := os.Getenv("PMTA_API_KEY")
	pmtaClient := pmta.NewClient(pmtaHost, pmtaPort, pmtaAPIKey)

	pressureController := pmta.NewPressureController(pmtaClient, pmta.DefaultPressureThresholds())
	healthChecker := pmta.NewHealthChecker(db)

	var scorer pmta.ContentScorer
	if spamdAddr := os.Getenv("SPAMD_ADDR"); spamdAddr != "" {
		scorer = pmta.NewSpamdScorer(spamdAddr)
	}
	preflightGate := pmta.NewPreflightGate(scorer, healthChecker, pressureController)

	backoffStore := worker.NewScopedBackoffStore(redisClient)
	senderPool := worker.NewSMTPSenderPool(worker.NewStoreBackedStopSource(jobStore))
	configSource := worker.NewStaticConfigSource()

	scheduler := worker.NewScheduler(configSource, pmtaClient, pressureController, preflightGate, backoffStore, senderPool, jobStore)

	awsStorage := store.GetAWSStorage()
	var jobArchive worker.Archiver
	if awsStorage != nil {
		jobArchive = storage.NewJobArchive(awsStorage)
		server.SetArchiveStorage(awsStorage.Client(), awsStorage.Bucket())
	}
	jobPersistence := worker.NewJobPersistence(jobStore, jobArchive)

	launcher := worker.NewSchedulerLauncher(ctx, scheduler, configSource, jobPersistence)
	jobController := worker.NewJobController(jobStore, jobStore, outcomeStore, launcher, redisClient, db)

	if restored, err := jobPersistence.RehydrateOnBoot(ctx); err != nil {
		log.Printf("Warning: job rehydrate-on-boot failed: %v", err)
	} else if restored > 0 {
		log.Printf("Job persistence: restored %d active job(s) as stopped after restart", restored)
	}

	retentionDays := 30
	if v, ok := configStore.Get("persistence.retention_days"); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			retentionDays = n
		}
	}
	go jobPersistence.RunArchiveLoop(ctx, time.Hour, time.Duration(retentionDays)*24*time.Hour)

	bridgeMode := pmta.BridgeModeDirect
	if os.Getenv("PMTA_BRIDGE_MODE") == "http" {
		bridgeMode = pmta.BridgeModeHTTP
	}
	bridgeTailer := pmta.NewBridgeTailer(pmta.BridgeConfig{
		Mode:        bridgeMode,
		LogDir:      envOrDefault("PMTA_ACCT_LOG_DIR", "/var/log/pmta"),
		FilePattern: envOrDefault("PMTA_ACCT_FILE_PATTERN", "acct-*.csv"),
		BaseURL:     os.Getenv("PMTA_BRIDGE_URL"),
		BearerToken: os.Getenv("PMTA_BRIDGE_TOKEN"),
		Kind:        "acct",
	}, cursorStore)
	reconciler := pmta.NewReconciler(jobStore, outcomeStore, jobStore)

	go bridgeTailer.Run(ctx, func(events []*domain.AccountingEvent) {
		for _, ev := range events {
			jobID, err := reconciler.Apply(ctx, ev)
			if err != nil {
				log.Printf("Warning: reconciler apply failed for recipient %s: %v", ev.Recipient, err)
				continue
			}
			if jobID == "" {
				continue
			}
			now := time.Now()
			entry := domain.RecipientRegistryEntry{JobID: jobID, Recipient: ev.Recipient, CampaignID: ev.CampaignID, FirstSeen: now, LastSeen: now}
			if err := recipientRegistry.Touch(ctx, entry); err != nil {
				log.Printf("Warning: recipient registry touch failed: %v", err)
			}
		}
	})

	var httpBridge *pmta.BridgeTailer
	if bridgeMode == pmta.BridgeModeHTTP {
		httpBridge = bridgeTailer
	}
	server.SetJobController(jobController, configStore, httpBridge)
	log.Println("Send Job control plane initialized: /api/jobs, /api/config")

	return launcher
}
