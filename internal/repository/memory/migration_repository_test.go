package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/virtforge/virtforge/internal/domain"
)

func activeJob(workloadID string) *domain.MigrationJob {
	return &domain.MigrationJob{
		WorkloadID:   workloadID,
		SourceNodeID: "node-a",
		TargetNodeID: "node-b",
		Mode:         domain.MigrationModeOffline,
		Stage:        domain.StagePending,
		State:        domain.MigrationStateRunning,
		StartedAt:    time.Now(),
	}
}

func TestCreateIfNoneActive_RejectsSecondActiveJob(t *testing.T) {
	repo := NewMigrationJobRepository()
	ctx := context.Background()

	if err := repo.CreateIfNoneActive(ctx, activeJob("wl-1")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := repo.CreateIfNoneActive(ctx, activeJob("wl-1"))
	if !errors.Is(err, domain.ErrMigrationConflict) {
		t.Fatalf("expected ErrMigrationConflict, got %v", err)
	}

	// A different workload is unaffected.
	if err := repo.CreateIfNoneActive(ctx, activeJob("wl-2")); err != nil {
		t.Fatalf("create for other workload failed: %v", err)
	}
}

func TestCreateIfNoneActive_AllowsAfterTerminal(t *testing.T) {
	repo := NewMigrationJobRepository()
	ctx := context.Background()

	first := activeJob("wl-1")
	if err := repo.CreateIfNoneActive(ctx, first); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	now := time.Now()
	first.State = domain.MigrationStateFailed
	first.CompletedAt = &now
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := repo.CreateIfNoneActive(ctx, activeJob("wl-1")); err != nil {
		t.Fatalf("create after terminal job failed: %v", err)
	}
}

// Many goroutines race to create a job for the same workload; exactly one
// may win.
func TestCreateIfNoneActive_Concurrent(t *testing.T) {
	repo := NewMigrationJobRepository()
	ctx := context.Background()

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	conflicts := 0

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := repo.CreateIfNoneActive(ctx, activeJob("wl-contended"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrMigrationConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly 1 created job, got %d (conflicts %d)", created, conflicts)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active job, got %d", len(active))
	}
}

func TestMigrationJobRepository_ListByWorkload(t *testing.T) {
	repo := NewMigrationJobRepository()
	ctx := context.Background()

	first := activeJob("wl-1")
	first.StartedAt = time.Now().Add(-time.Hour)
	if err := repo.CreateIfNoneActive(ctx, first); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	done := time.Now()
	first.State = domain.MigrationStateCompleted
	first.CompletedAt = &done
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	second := activeJob("wl-1")
	if err := repo.CreateIfNoneActive(ctx, second); err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	jobs, err := repo.ListByWorkload(ctx, "wl-1")
	if err != nil {
		t.Fatalf("ListByWorkload failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != second.ID {
		t.Errorf("expected newest job first, got %s", jobs[0].ID)
	}
}

func TestMigrationJobRepository_CloneIsolation(t *testing.T) {
	repo := NewMigrationJobRepository()
	ctx := context.Background()

	job := activeJob("wl-1")
	if err := repo.CreateIfNoneActive(ctx, job); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	got.State = domain.MigrationStateCancelled

	again, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if again.State != domain.MigrationStateRunning {
		t.Errorf("mutating a returned job leaked into the store: %s", again.State)
	}
}
