package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/splax/ledgerd/internal/domain"
)

type recordingStore struct {
	mu    sync.Mutex
	saves [][]domain.Account
}

func (r *recordingStore) Load(ctx context.Context) ([]domain.Account, error) {
	return nil, nil
}

func (r *recordingStore) Save(ctx context.Context, accounts []domain.Account) error {
	r.mu.Lock()
	r.saves = append(r.saves, accounts)
	r.mu.Unlock()
	return nil
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func TestAccruerTickPersistsWhenChanged(t *testing.T) {
	st := &recordingStore{}
	svc := New(testConfig(), st, nil, testLogger())
	mustRegister(t, svc, "alice")
	if _, err := svc.Deposit(context.Background(), "alice", 1000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	before := st.count()
	a := NewAccruer(svc, time.Second, testLogger())
	a.tick(context.Background())

	if st.count() != before+1 {
		t.Fatalf("expected one save after tick, got %d", st.count()-before)
	}
	acct, _ := svc.Get("alice")
	if acct.CashBalance != 1001 {
		t.Fatalf("expected cash 1001 after tick, got %v", acct.CashBalance)
	}
}

func TestAccruerTickSkipsSaveWhenIdle(t *testing.T) {
	st := &recordingStore{}
	svc := New(testConfig(), st, nil, testLogger())
	mustRegister(t, svc, "alice")

	before := st.count()
	a := NewAccruer(svc, time.Second, testLogger())
	a.tick(context.Background())

	if st.count() != before {
		t.Fatalf("zero-balance tick should not save, got %d new saves", st.count()-before)
	}
}

func TestAccruerRunStopsAndSaves(t *testing.T) {
	st := &recordingStore{}
	svc := New(testConfig(), st, nil, testLogger())
	mustRegister(t, svc, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a := NewAccruer(svc, time.Hour, testLogger())
	go func() {
		a.Run(ctx)
		close(done)
	}()

	before := st.count()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accruer did not stop after cancel")
	}
	if st.count() != before+1 {
		t.Fatalf("expected final save on shutdown, got %d new saves", st.count()-before)
	}
}
