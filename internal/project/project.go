// Package project wires together the Project Store, Entity Model, Task
// Scheduler, and Download Pipeline into one open Crystal project, the way
// internal/fs/linearfs.go wires together the Linear API client, SQLite
// repository, and sync worker behind one LinearFS value.
package project

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/time/rate"

	"github.com/crystalarchiver/crystal/internal/cache"
	"github.com/crystalarchiver/crystal/internal/config"
	"github.com/crystalarchiver/crystal/internal/db"
	"github.com/crystalarchiver/crystal/internal/entity"
	"github.com/crystalarchiver/crystal/internal/fetch"
	"github.com/crystalarchiver/crystal/internal/parse"
	"github.com/crystalarchiver/crystal/internal/task"
)

// Project is one open `.crystalproj`: the durable store, the in-memory
// Entity Model built on top of it, the task tree, and the network/parse
// pipeline that drives it, plus the two ambient OS-resource concerns that
// sit outside any one layer (§5 free-space guard, idle-sleep suppression).
type Project struct {
	Dir string

	Store     *db.Store
	Model     *entity.Model
	Scheduler *task.Scheduler
	Pipeline  *fetch.Pipeline
	Client    *fetch.Client

	cfg          *config.Config
	sleep        *sleepInhibitor
	sessionFresh *cache.SessionFresh
	closed       bool
}

// Open opens (or initializes) a `.crystalproj` directory and wires every
// layer together. A read-only open skips migration, hibernation resume,
// and the free-space guard (no writes will ever be attempted).
func Open(ctx context.Context, dir string, writable bool, cfg *config.Config, listener task.Listener) (*Project, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	store, err := db.Open(dir, writable)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	if store.ForcedReadOnly() {
		log.Printf("[project] warning: %s requested writable but was forced read-only (permission or lock conflict)", dir)
	}
	writable = store.Mode() == db.ModeWritable

	if writable {
		needsMigration, err := store.NeedsMigration(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("check migration state: %w", err)
		}
		if needsMigration {
			if err := store.ResumeOrMigrateV1ToV2(ctx, db.NoopMigrationListener{}); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate project: %w", err)
			}
		}
		major, _, err := store.MajorVersion(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("read major version: %w", err)
		}
		if err := store.RepairOrphanBody(ctx, major); err != nil {
			log.Printf("[project] warning: orphan body repair failed: %v", err)
		}
		if err := store.RepairMissingBody(ctx, major); err != nil {
			log.Printf("[project] warning: missing body repair failed: %v", err)
		}
	}

	model, err := entity.NewModel(ctx, store, entity.NormalizeOptions{})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build entity model: %w", err)
	}

	client := fetch.NewClient(fetch.ClientOptions{
		UserAgent:      cfg.Fetch.UserAgent,
		CookieHeader:   cfg.Fetch.CookieHeader,
		ConnectTimeout: cfg.Fetch.ConnectTimeout,
		StallTimeout:   cfg.Fetch.StallTimeout,
		MaxRate:        rateLimit(cfg.Fetch.MaxRate),
		StatsEnabled:   cfg.Log.FetchLog,
	})

	var sessionFresh *cache.SessionFresh
	if cfg.Fetch.SessionFreshEnabled {
		sessionFresh = cache.New(cfg.Fetch.SessionFreshWindow, cfg.Cache.MaxEntries)
	}

	parser := parse.New(parse.HTMLSoup)
	pipeline := fetch.NewPipeline(client, store, model, parser, sessionFresh, cfg.Fetch)
	if writable {
		pipeline.SetFreeSpaceGuard(func() error { return checkFreeSpace(dir) })
	}

	sleep := newSleepInhibitor(dir)
	sched := task.New(pipeline, sleepTrackingListener{inner: listener, sleep: sleep}, task.Config{
		PolitenessDelay:      cfg.Fetch.PolitenessDelay,
		MaxConcurrentFetches: int64(cfg.Fetch.MaxConcurrentFetches),
	})

	p := &Project{
		Dir:          dir,
		Store:        store,
		Model:        model,
		Scheduler:    sched,
		Pipeline:     pipeline,
		Client:       client,
		cfg:          cfg,
		sleep:        sleep,
		sessionFresh: sessionFresh,
	}

	if writable {
		sched.SetHibernationStore(&hibernationStore{store: store})
		sched.Start()
		if err := sched.Resume(ctx); err != nil {
			log.Printf("[project] warning: failed to resume hibernated tasks: %v", err)
		}
	}

	return p, nil
}

// Close hibernates any still-in-flight top-level tasks (writable projects
// only), stops the scheduler's background loop, and releases the store and
// HTTP client.
func (p *Project) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.Store.Mode() == db.ModeWritable {
		if err := p.Scheduler.Hibernate(ctx); err != nil {
			log.Printf("[project] warning: hibernate failed: %v", err)
		}
	}
	p.Scheduler.Stop()
	p.Client.Close()
	if p.sessionFresh != nil {
		p.sessionFresh.Stop()
	}
	p.sleep.releaseAll()
	return p.Store.Close()
}

// CheckFreeSpace enforces the §4.1 free-space guard (min(4 GiB, 5% of
// volume)) on demand. For writable projects, Open installs the same check
// as the download pipeline's free-space guard (SetFreeSpaceGuard).
func (p *Project) CheckFreeSpace() error {
	return checkFreeSpace(p.Dir)
}

func rateLimit(itemsPerSec float64) rate.Limit {
	if itemsPerSec <= 0 {
		return 2
	}
	return rate.Limit(itemsPerSec)
}
