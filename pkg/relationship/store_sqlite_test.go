package relationship

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kizunalab/kizuna/pkg/errs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kizuna.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReadState_DefaultsWithoutWriting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.ReadState(ctx, "u1")
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if st.Intimacy != 0 {
		t.Errorf("default intimacy = %d, want 0", st.Intimacy)
	}
	if st.StatusLabel != defaultStatusLabel {
		t.Errorf("default label = %q, want %q", st.StatusLabel, defaultStatusLabel)
	}

	// The default read must not create a row.
	_, err = store.getStored(ctx, "u1")
	if err == nil {
		t.Fatal("expected no stored row after default read")
	}
}

func TestReadState_EmptyUser(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ReadState(context.Background(), "")
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestApplyDelta_CreatesAndClamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.ApplyDelta(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if st.Intimacy != 7 {
		t.Errorf("intimacy = %d, want 7", st.Intimacy)
	}
	if st.LastInteractionAt == 0 || st.UpdatedAt == 0 {
		t.Error("interaction timestamps should be touched")
	}

	// Raw delta above +10 is clamped.
	st, err = store.ApplyDelta(ctx, "u1", 500)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if st.Intimacy != 17 {
		t.Errorf("intimacy after clamped delta = %d, want 17", st.Intimacy)
	}
}

func TestApplyDelta_FloorAtMin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.ApplyDelta(ctx, "u1", -50); err != nil {
			t.Fatalf("ApplyDelta failed: %v", err)
		}
	}
	st, err := store.ReadState(ctx, "u1")
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if st.Intimacy != -100 {
		t.Errorf("intimacy = %d, want floor -100", st.Intimacy)
	}
}

func TestApplyDelta_RecoveryDampedOnNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ApplyDelta(ctx, "u1", -30); err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	st, err := store.ApplyDelta(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	// -30 + round(10*0.6) = -24
	if st.Intimacy != -24 {
		t.Errorf("intimacy = %d, want -24", st.Intimacy)
	}
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.UpdateStatus(ctx, "u1", "close friend", "#FF8A65", "#1A1A1A", "shared a secret")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if st.StatusLabel != "close friend" || st.StatusReason != "shared a secret" {
		t.Errorf("status not stored: %+v", st)
	}
	if st.StatusUpdatedAt == 0 {
		t.Error("StatusUpdatedAt should be set")
	}

	// Empty colors keep the existing ones.
	st, err = store.UpdateStatus(ctx, "u1", "best friend", "", "", "")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if st.StatusPillColor != "#FF8A65" {
		t.Errorf("pill color = %q, want kept #FF8A65", st.StatusPillColor)
	}

	if _, err := store.UpdateStatus(ctx, "u1", "", "", "", ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty label, got %v", err)
	}
}

func TestReadState_AppliesDecay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.ApplyDelta(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	// Backdate the interaction by 9 days directly.
	st.LastInteractionAt = msAgo(9 * 24 * time.Hour)
	if err := store.upsert(ctx, st); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.ReadState(ctx, "u1")
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if got.Intimacy != 7 {
		t.Errorf("decayed intimacy = %d, want 7", got.Intimacy)
	}

	// Reading must not persist the decayed value.
	stored, err := store.getStored(ctx, "u1")
	if err != nil {
		t.Fatalf("getStored failed: %v", err)
	}
	if stored.Intimacy != 10 {
		t.Errorf("stored intimacy = %d, want untouched 10", stored.Intimacy)
	}
}
