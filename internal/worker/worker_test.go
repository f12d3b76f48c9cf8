package worker

import (
	"context"
	"testing"
	"time"

	"portalsync/internal/config"
	"portalsync/internal/credentials"
	"portalsync/internal/db"
	"portalsync/internal/domain"
	"portalsync/internal/engine"
	"portalsync/internal/migrate"
	"portalsync/internal/portal"
	"portalsync/internal/portal/portaltest"
	"portalsync/internal/queue"
	"portalsync/internal/repo"
	"portalsync/internal/validate"
)

func setup(t *testing.T) (engine.Engine, *portaltest.Adapter) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	adapter := portaltest.New("alpha", validate.Schema{Fields: []validate.FieldRule{
		{Field: "title", Requirement: domain.Required, Kind: validate.KindString},
	}})
	creds := &credentials.Store{Repo: r}
	if _, err := creds.StoreToken(ctx, "t1", "alpha", domain.TokenBundle{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"p1", "p2", "p3"} {
		if err := r.UpsertProperty(ctx, domain.Property{ID: id, TenantID: "t1", Title: "Flat " + id}); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default().Orchestrator
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	return engine.New(conn, cfg, portal.NewRegistry(adapter), creds), adapter
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func allPublished(t *testing.T, eng engine.Engine, n int) func() bool {
	return func() bool {
		jobs, err := eng.Repo.ListJobs(context.Background(), repo.JobFilter{TenantID: "t1", States: []domain.JobState{domain.JobPublished}})
		if err != nil {
			t.Errorf("list jobs: %v", err)
			return true
		}
		return len(jobs) == n
	}
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	eng, adapter := setup(t)
	q := queue.NewMemory()
	eng.Queue = q
	adapter.FailPublish(portaltest.Status(503))

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{Queue: q, Processor: eng, Workers: 2}
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := eng.Publish(ctx, engine.PublishOptions{TenantID: "t1", PropertyID: id, Portal: "alpha"}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	waitFor(t, allPublished(t, eng, 3))
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool: %v", err)
	}
	if p, _, _ := adapter.Calls(); p != 4 {
		t.Fatalf("portal publishes = %d, want 4", p)
	}
}

func TestReconcilerRecoversUnqueuedJobs(t *testing.T) {
	eng, _ := setup(t)
	ctx := context.Background()
	// no queue attached: jobs exist only in the store
	for _, id := range []string{"p1", "p2"} {
		if _, err := eng.Publish(ctx, engine.PublishOptions{TenantID: "t1", PropertyID: id, Portal: "alpha"}); err != nil {
			t.Fatal(err)
		}
	}
	q := queue.NewMemory()
	rec := &Reconciler{Store: eng.Repo, Engine: eng, Queue: q}
	res, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Enqueued != 2 || q.Len() != 2 {
		t.Fatalf("enqueued = %d, queue len = %d", res.Enqueued, q.Len())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = (&Pool{Queue: q, Processor: eng, Workers: 1}).Run(runCtx) }()
	waitFor(t, allPublished(t, eng, 2))
}

func TestReconcilerSkipsOverlappingRuns(t *testing.T) {
	rec := &Reconciler{}
	rec.running.Store(true)
	res, err := rec.RunOnce(context.Background())
	if err != nil || res != (Result{}) {
		t.Fatalf("overlapping run = %+v, %v", res, err)
	}
}
