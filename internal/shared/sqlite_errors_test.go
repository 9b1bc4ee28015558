package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("exec: SQLITE_BUSY (5)"), true},
		{"locked", errors.New("database is locked"), true},
		{"other", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnConflict_RetriesBusy(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflict_StopsOnOtherError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
