// Package rebalance implements the load rebalancer: it consumes
// membership health scores and the local activity tracker's migration
// priority list to compute, and then drive, migrations away from an
// overloaded silo toward the least-loaded peer whenever load imbalance
// exceeds a configured threshold. The loop shape (ticker, cancel-on-Stop,
// per-item failure isolation) mirrors internal/idle's scan loop.
package rebalance

import (
	"context"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/activitytracker"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/membership"
	"github.com/quarkrt/quark/internal/migration"
)

var log = quarklog.NewSubLogger("REBL")

// Migrator is the narrow slice of *migration.Coordinator the rebalancer
// drives.
type Migrator interface {
	MigrateActor(ctx context.Context, actorType, actorID, targetSiloID string) (migration.Record, error)
}

// MembershipView is the narrow slice of *membership.Registry the
// rebalancer reads load and topology from.
type MembershipView interface {
	GetActiveSilos() []membership.SiloInfo
	HealthScore(siloID string) (float64, bool)
}

// Plan is one proposed migration, a candidate actor moving off the
// currently overloaded local silo onto the least-loaded peer.
type Plan struct {
	ActorType    string
	ActorID      string
	SourceSiloID string
	TargetSiloID string
	Reason       string
}

// Options configures a Rebalancer.
type Options struct {
	// ImbalanceThreshold is the fraction (max-min)/avg of cluster health
	// scores above which the rebalancer acts. Spec.md §2 calls this
	// rebalancing triggers once silo health scores diverge by more than
	// this fraction; 0.2 mirrors the ±20% tolerance the hash ring's
	// distribution guarantees already work to.
	ImbalanceThreshold float64

	// CheckInterval is how often the rebalancer recomputes and acts on a
	// plan.
	CheckInterval time.Duration

	// MaxMigrationsPerCycle bounds how many actors one cycle moves, so a
	// single rebalance pass can't itself cause a thundering-herd of
	// migrations.
	MaxMigrationsPerCycle int
}

// DefaultOptions returns conservative defaults: a 20% imbalance
// threshold, one check per minute, at most 3 migrations per cycle.
func DefaultOptions() Options {
	return Options{
		ImbalanceThreshold:    0.2,
		CheckInterval:         time.Minute,
		MaxMigrationsPerCycle: 3,
	}
}

// Config bundles a Rebalancer's collaborators.
type Config struct {
	LocalSiloID string
	Membership  MembershipView
	Tracker     *activitytracker.Tracker
	Migrator    Migrator
	Options     Options
}

// Rebalancer periodically compares per-silo health scores and, when the
// local silo is both the most overloaded and past the imbalance
// threshold, migrates its coldest actors to the least-loaded peer.
type Rebalancer struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Rebalancer. It does nothing until Start is called.
func New(cfg Config) *Rebalancer {
	if cfg.Options.CheckInterval <= 0 {
		cfg.Options.CheckInterval = time.Minute
	}
	if cfg.Options.ImbalanceThreshold <= 0 {
		cfg.Options.ImbalanceThreshold = 0.2
	}
	if cfg.Options.MaxMigrationsPerCycle <= 0 {
		cfg.Options.MaxMigrationsPerCycle = 3
	}

	return &Rebalancer{cfg: cfg}
}

// Start begins the periodic rebalance loop.
func (r *Rebalancer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.Options.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.RunCycle(runCtx)
			}
		}
	}()
}

// Stop halts the rebalance loop.
func (r *Rebalancer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ComputePlans inspects the active silos' health scores and, if the local
// silo is the cluster's most loaded and the imbalance exceeds
// Options.ImbalanceThreshold, returns up to MaxMigrationsPerCycle plans
// moving the local silo's coldest actors (per the activity tracker's
// migration priority list) to the least-loaded peer.
// Returns nil when no rebalancing is warranted this cycle.
func (r *Rebalancer) ComputePlans() []Plan {
	silos := r.cfg.Membership.GetActiveSilos()
	if len(silos) < 2 {
		return nil
	}

	var (
		maxSilo          string
		minSilo          string
		maxLoad, minLoad float64
		sum              float64
		scored           int
	)

	for _, s := range silos {
		score, ok := r.cfg.Membership.HealthScore(s.SiloID)
		if !ok {
			continue
		}

		sum += score
		scored++

		if maxSilo == "" || score > maxLoad {
			maxLoad = score
			maxSilo = s.SiloID
		}
		if minSilo == "" || score < minLoad {
			minLoad = score
			minSilo = s.SiloID
		}
	}

	if scored < 2 || maxSilo == "" || minSilo == "" || maxSilo == minSilo {
		return nil
	}

	avg := sum / float64(scored)
	if avg == 0 {
		return nil
	}

	imbalance := (maxLoad - minLoad) / avg
	if imbalance <= r.cfg.Options.ImbalanceThreshold {
		return nil
	}

	// Only the overloaded silo itself initiates shedding; every silo
	// runs this same computation but only one of them finds itself in
	// the maxSilo role for a given health snapshot.
	if maxSilo != r.cfg.LocalSiloID {
		return nil
	}

	candidates := r.cfg.Tracker.GetMigrationPriorityList()

	plans := make([]Plan, 0, r.cfg.Options.MaxMigrationsPerCycle)
	for _, m := range candidates {
		if len(plans) >= r.cfg.Options.MaxMigrationsPerCycle {
			break
		}

		plans = append(plans, Plan{
			ActorType:    m.ActorType,
			ActorID:      m.ActorID,
			SourceSiloID: r.cfg.LocalSiloID,
			TargetSiloID: minSilo,
			Reason:       "load_imbalance",
		})
	}

	return plans
}

// RunCycle computes a rebalance plan and executes it, migrating each
// planned actor in turn. A single actor's migration failing does not
// abort the rest of the plan. Returns the number of migrations it
// attempted.
func (r *Rebalancer) RunCycle(ctx context.Context) int {
	plans := r.ComputePlans()
	if len(plans) == 0 {
		return 0
	}

	log.InfoS(ctx, "Rebalance cycle starting", "planned_migrations", len(plans))

	for _, p := range plans {
		rec, err := r.cfg.Migrator.MigrateActor(ctx, p.ActorType, p.ActorID, p.TargetSiloID)
		if err != nil {
			log.WarnS(ctx, "Rebalance migration rejected", err,
				"actor_id", p.ActorID, "target_silo", p.TargetSiloID)
			continue
		}
		if rec.Status == migration.StatusFailed {
			log.WarnS(ctx, "Rebalance migration failed", nil,
				"actor_id", p.ActorID, "target_silo", p.TargetSiloID, "error", rec.Error)
			continue
		}

		log.InfoS(ctx, "Rebalance migration completed",
			"actor_id", p.ActorID, "target_silo", p.TargetSiloID)
	}

	return len(plans)
}
