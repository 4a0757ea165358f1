package framework

import (
	"context"
	"errors"
	"testing"
	"time"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &waits
}

func TestRetry_SucceedsOnThirdAttempt(t *testing.T) {
	waits := stubSleep(t)
	calls := 0
	step := func(ctx context.Context, st State) (Update, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return Update{"out": "ok"}, nil
	}

	u, err := Retry("mapping", RetryPolicy{MaxAttempts: 3, Backoff: time.Second}, step)(context.Background(), State{})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if u["out"] != "ok" {
		t.Errorf("out = %v, want ok", u["out"])
	}
	if recs, ok := Errors.Get(State(u)); ok || len(recs) != 0 {
		t.Errorf("expected no error records, got %v", recs)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Errorf("backoff waits = %v, want [1s 2s]", *waits)
	}
}

func TestRetry_ExhaustionYieldsOneErrorRecord(t *testing.T) {
	stubSleep(t)
	calls := 0
	step := func(ctx context.Context, st State) (Update, error) {
		calls++
		return nil, errors.New("boom")
	}

	u, err := Retry("intel", RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}, step)(context.Background(), State{})
	if err != nil {
		t.Fatalf("Retry must not propagate: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	recs, _ := Errors.Get(State(u))
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 error record, got %d", len(recs))
	}
	if recs[0].Node != "intel" || recs[0].Message != "boom" {
		t.Errorf("record = %+v, want node intel message boom", recs[0])
	}
	if len(u) != 1 {
		t.Errorf("update should hold only the error record, got keys %v", u)
	}
}

func TestRetry_PrerequisiteIsNotRetried(t *testing.T) {
	waits := stubSleep(t)
	calls := 0
	step := func(ctx context.Context, st State) (Update, error) {
		calls++
		return nil, &PrerequisiteError{Node: "report", Missing: []string{"intel"}}
	}

	u, _ := Retry("report", RetryPolicy{MaxAttempts: 5, Backoff: time.Second}, step)(context.Background(), State{})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("expected no backoff, got %v", *waits)
	}
	recs, _ := Errors.Get(State(u))
	if len(recs) != 1 || recs[0].Message != "Missing required data: intel" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRetry_ReturnedErrorRecordIsNotRetried(t *testing.T) {
	stubSleep(t)
	calls := 0
	step := func(ctx context.Context, st State) (Update, error) {
		calls++
		return Fail("report", errors.New("encoded failure")), nil
	}
	u, _ := Retry("report", RetryPolicy{MaxAttempts: 3}, step)(context.Background(), State{})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if recs, _ := Errors.Get(State(u)); len(recs) != 1 {
		t.Errorf("expected the step's own record, got %v", recs)
	}
}

func TestRetry_CancelledContextStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	step := func(ctx context.Context, st State) (Update, error) {
		calls++
		cancel()
		return nil, errors.New("fails")
	}
	u, err := Retry("triage", RetryPolicy{MaxAttempts: 4, Backoff: time.Hour}, step)(ctx, State{})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if recs, _ := Errors.Get(State(u)); len(recs) != 1 {
		t.Errorf("expected one record, got %v", recs)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Backoff: 2 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{0, 2 * time.Second},
		{9, 512 * time.Second},
		{10, MaxBackoff},
		{34, MaxBackoff},
		{1 << 20, MaxBackoff},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
