package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("TASK-001")
	m.Unlock("TASK-001")

	// Should be able to lock again
	m.Lock("TASK-001")
	m.Unlock("TASK-001")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("TASK-001")
	go func() {
		// TASK-002 should not be blocked by TASK-001
		m.Lock("TASK-002")
		m.Unlock("TASK-002")
		close(done)
	}()

	<-done
	m.Unlock("TASK-001")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	fl.TryLock()
	fl.Unlock()
	// Double unlock should be safe
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

func TestFileLock_TryLockReportsErrLocked(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "queue.lock")

	holder := NewSharedFileLock(lockPath)
	if err := holder.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer holder.Unlock()

	other := NewSharedFileLock(lockPath)
	if err := other.TryLock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestFileLock_LockWaitsForRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "queue.lock")

	holder := NewSharedFileLock(lockPath)
	if err := holder.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		holder.Unlock()
	}()

	waiter := NewSharedFileLock(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waiter.Lock(ctx); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	waiter.Unlock()

	// Shared locks keep their file between holders.
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("shared lock file should persist: %v", err)
	}
}

func TestFileLock_LockHonoursContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "queue.lock")

	holder := NewSharedFileLock(lockPath)
	if err := holder.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := NewSharedFileLock(lockPath).Lock(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFileLock_SingletonRemovesFile(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	fl.Unlock()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("daemon lock file should be removed on unlock")
	}
}
