package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/atp-network/atp-router/internal/api"
	approuter "github.com/atp-network/atp-router/internal/app/router"
	"github.com/atp-network/atp-router/internal/infra/federation"
	"github.com/atp-network/atp-router/internal/infra/fragment"
	"github.com/atp-network/atp-router/internal/infra/logging"
	"github.com/atp-network/atp-router/internal/infra/policy"
	"github.com/atp-network/atp-router/internal/infra/reward"
	"github.com/atp-network/atp-router/internal/infra/rowcrypt"
	"github.com/atp-network/atp-router/internal/infra/sched"
	"github.com/atp-network/atp-router/internal/infra/scoring"
	"github.com/atp-network/atp-router/internal/infra/sequencer"
	"github.com/atp-network/atp-router/internal/infra/sqlite"
)

// Daemon owns the wired core subsystems of one router process.
type Daemon struct {
	cfg        Config
	log        logging.Logger
	instanceID string

	db          *sqlite.DB
	Sequencer   *sequencer.Sequencer
	Reassembler *fragment.Reassembler
	FragPolicy  fragment.Policy
	Scheduler   *sched.FairScheduler
	Policy      *policy.Engine
	Scorer      *reward.PriorAwareScorer
	Priors      *reward.PriorManager
	Rows        *rowcrypt.Store
	Pipeline    *approuter.Router
	Federation  *federation.Registry
}

// New wires a daemon from cfg.
func New(cfg Config) (*Daemon, error) {
	log := logging.Std()
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	fragPolicy := fragment.DefaultPolicy()
	if cfg.Fragmentation.BaseMaxSize > 0 {
		fragPolicy.BaseMaxSize = cfg.Fragmentation.BaseMaxSize
	}
	if cfg.Fragmentation.BinaryMaxSize > 0 {
		fragPolicy.BinaryMaxSize = cfg.Fragmentation.BinaryMaxSize
	}
	fragPolicy.EnableMerkle = cfg.Fragmentation.EnableMerkle

	reCfg := fragment.Config{GapTTL: cfg.Fragmentation.GapTTL()}
	if cfg.Fragmentation.UseExternalStore {
		reCfg.Store = sqlite.NewBufferStore(db, cfg.Fragmentation.BufferStoreTTL())
	}

	schedCfg := sched.DefaultConfig()
	if cfg.Scheduler.StarvationQuantile > 0 {
		schedCfg.StarvationQuantile = cfg.Scheduler.StarvationQuantile
	}
	if cfg.Scheduler.BoostFactor >= 1 {
		schedCfg.BoostFactor = cfg.Scheduler.BoostFactor
	}
	if cfg.Scheduler.BoostDecay > 0 {
		schedCfg.BoostDecay = cfg.Scheduler.BoostDecay
	}
	if cfg.Scheduler.BoostDurationS > 0 {
		schedCfg.BoostDuration = time.Duration(cfg.Scheduler.BoostDurationS) * time.Second
	}
	sched.ApplyEnvOverrides(&schedCfg)

	polCfg := policy.DefaultConfig()
	polCfg.CacheTTL = time.Duration(cfg.Policy.CacheTTLS) * time.Second
	polCfg.Escalation = policy.EscalationPolicy{
		LowConfThreshold:       cfg.Policy.LowConfThreshold,
		EscalateOnDisagreement: cfg.Policy.EscalateOnDisagreement,
	}

	kms, err := rowcrypt.NewLocalKMSRandom()
	if err != nil {
		return nil, err
	}
	rows, err := rowcrypt.NewStore(rowcrypt.StoreConfig{
		Encryption:  rowcrypt.NewRowEncryption(kms, cfg.RowCrypt.KeyVersion),
		Persistence: db,
	})
	if err != nil {
		return nil, err
	}

	priors := reward.NewPriorManager(reward.ManagerConfig{Logger: log})

	instanceID := uuid.NewString()
	log = log.WithField("instance_id", instanceID)

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		instanceID:  instanceID,
		db:          db,
		Sequencer:   sequencer.New(),
		Reassembler: fragment.NewReassembler(reCfg),
		FragPolicy:  fragPolicy,
		Scheduler:   sched.New(schedCfg),
		Policy:      policy.NewEngine(polCfg),
		Scorer:      reward.NewPriorAwareScorer(scoring.NewScorer(), priors),
		Priors:      priors,
		Rows:        rows,
		Federation: federation.NewRegistry(federation.RegistryConfig{
			ClusterID:   cfg.Federation.ClusterID,
			ClusterSalt: cfg.Federation.ClusterSalt,
		}),
	}
	d.Pipeline, err = approuter.New(approuter.Deps{
		Sequencer:   d.Sequencer,
		Policy:      d.Policy,
		Scorer:      d.Scorer,
		Scheduler:   d.Scheduler,
		FragPolicy:  d.FragPolicy,
		Reassembler: d.Reassembler,
		Logger:      log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Run serves the ops API and the background sweepers until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	server := api.NewServer(api.Deps{
		InstanceID:  d.instanceID,
		Policy:      d.Policy,
		Scheduler:   d.Scheduler,
		Reassembler: d.Reassembler,
		Logger:      d.log,
	})
	if d.cfg.API.MetricsEnabled {
		server.EnableMetrics()
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.API.Host, d.cfg.API.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	go d.runSweepers(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.log.WithField("addr", addr).Info("ops API listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		d.db.Close()
		return nil
	case err := <-errCh:
		d.db.Close()
		return err
	}
}

// runSweepers drives the periodic maintenance loops: reassembly GC and
// stale-prior cleanup. Sweeps log and continue on partial failure.
func (d *Daemon) runSweepers(ctx context.Context) {
	gcTicker := time.NewTicker(time.Minute)
	defer gcTicker.Stop()
	sweep := time.Duration(d.cfg.Federation.SweepIntervalS) * time.Second
	if sweep <= 0 {
		sweep = time.Hour
	}
	priorTicker := time.NewTicker(sweep)
	defer priorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gcTicker.C:
			if removed := d.Reassembler.GC(d.cfg.Fragmentation.ReassemblyTTL()); removed > 0 {
				d.log.WithField("removed", removed).Debug("reassembly GC")
			}
		case <-priorTicker.C:
			d.Priors.CleanupStalePriors(0)
		}
	}
}
