package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFinalJobStatus(t *testing.T) {
	tests := []struct {
		name    string
		done    int
		failed  int
		skipped int
		want    string
	}{
		{"all done", 3, 0, 0, JobStatusDone},
		{"all failed", 0, 3, 0, JobStatusFailed},
		{"all skipped", 0, 0, 3, JobStatusDoneSkipped},
		{"no items", 0, 0, 0, JobStatusDoneSkipped},
		{"done and failed", 2, 1, 0, JobStatusPartial},
		{"done and skipped", 2, 0, 1, JobStatusDone},
		{"failed and skipped", 0, 2, 1, JobStatusFailed},
		{"all three", 1, 1, 1, JobStatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FinalJobStatus(tt.done, tt.failed, tt.skipped)
			if got != tt.want {
				t.Errorf("FinalJobStatus(%d, %d, %d) = %q, want %q",
					tt.done, tt.failed, tt.skipped, got, tt.want)
			}
		})
	}
}

func TestIsTerminalJobStatus(t *testing.T) {
	terminal := []string{
		JobStatusDone, JobStatusDoneSkipped, JobStatusFailed,
		JobStatusPartial, JobStatusCancelled, JobStatusBlockedQuota,
	}
	for _, status := range terminal {
		if !IsTerminalJobStatus(status) {
			t.Errorf("expected %q to be terminal", status)
		}
	}

	live := []string{JobStatusPending, JobStatusPreparing, JobStatusQueued, JobStatusRunning}
	for _, status := range live {
		if IsTerminalJobStatus(status) {
			t.Errorf("expected %q not to be terminal", status)
		}
	}
}

func TestNormalizeExternalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123", "abc123"},
		{" abc123 ", "abc123"},
		{"abc 123", "abc123"},
		{"\tabc\n123\t", "abc123"},
		{"   ", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeExternalID(tt.in); got != tt.want {
			t.Errorf("NormalizeExternalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPeriodFor(t *testing.T) {
	ts := time.Date(2025, 3, 17, 14, 30, 0, 0, time.UTC)
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := PeriodFor(ts); !got.Equal(want) {
		t.Errorf("PeriodFor(%v) = %v, want %v", ts, got, want)
	}
}

func TestEntitlementRollover(t *testing.T) {
	now := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)

	paid := &EntitlementRecord{
		PlanClass:        PlanClassPaid,
		MonthlyByteUsed:  500,
		MonthlyItemCount: 5,
		PeriodStart:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if !paid.RolloverDue(now) {
		t.Fatal("expected rollover to be due for stale paid period")
	}
	paid.Rollover(now)
	if paid.MonthlyByteUsed != 0 || paid.MonthlyItemCount != 0 {
		t.Error("rollover did not reset monthly counters")
	}
	if !paid.PeriodStart.Equal(PeriodFor(now)) {
		t.Errorf("rollover set period to %v, want %v", paid.PeriodStart, PeriodFor(now))
	}

	// Current-period paid record is left alone.
	paid.MonthlyByteUsed = 100
	paid.Rollover(now)
	if paid.MonthlyByteUsed != 100 {
		t.Error("rollover reset a current-period record")
	}

	// Free plans never roll over.
	free := &EntitlementRecord{
		PlanClass:        PlanClassFree,
		LifetimeByteUsed: 500,
		PeriodStart:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if free.RolloverDue(now) {
		t.Error("free plan reported rollover due")
	}
	free.Rollover(now)
	if free.LifetimeByteUsed != 500 {
		t.Error("rollover touched lifetime counters")
	}
}

func TestEntitlementUsageSelectsCounterPair(t *testing.T) {
	now := time.Now().UTC()

	free := &EntitlementRecord{
		PlanClass:         PlanClassFree,
		LifetimeByteUsed:  100,
		LifetimeByteLimit: 1000,
		LifetimeItemCount: 3,
		MonthlyByteUsed:   999,
		PeriodStart:       PeriodFor(now),
	}
	usage := free.Usage(now)
	if usage.BytesUsed != 100 || usage.ByteLimit != 1000 || usage.ItemCount != 3 {
		t.Errorf("free usage = %+v, want lifetime counters", usage)
	}

	paid := &EntitlementRecord{
		PlanClass:        PlanClassPaid,
		MonthlyByteUsed:  200,
		MonthlyByteLimit: 2000,
		MonthlyItemCount: 4,
		MonthlyItemLimit: 10,
		LifetimeByteUsed: 999,
		PeriodStart:      PeriodFor(now),
	}
	usage = paid.Usage(now)
	if usage.BytesUsed != 200 || usage.ByteLimit != 2000 || usage.ItemCount != 4 || usage.ItemLimit != 10 {
		t.Errorf("paid usage = %+v, want monthly counters", usage)
	}
}

func TestApplyUsageNeverTouchesOtherPair(t *testing.T) {
	now := time.Now().UTC()

	free := NewEntitlement("u1", Plan{ID: "free", Class: PlanClassFree}, now)
	free.ApplyUsage(now, 100, 2)
	if free.LifetimeByteUsed != 100 || free.LifetimeItemCount != 2 {
		t.Errorf("free lifetime counters = %d/%d, want 100/2", free.LifetimeByteUsed, free.LifetimeItemCount)
	}
	if free.MonthlyByteUsed != 0 || free.MonthlyItemCount != 0 {
		t.Error("free plan usage leaked into monthly counters")
	}

	paid := NewEntitlement("u2", Plan{ID: "pro", Class: PlanClassPaid}, now)
	paid.ApplyUsage(now, 100, 2)
	if paid.MonthlyByteUsed != 100 || paid.MonthlyItemCount != 2 {
		t.Errorf("paid monthly counters = %d/%d, want 100/2", paid.MonthlyByteUsed, paid.MonthlyItemCount)
	}
	if paid.LifetimeByteUsed != 0 || paid.LifetimeItemCount != 0 {
		t.Error("paid plan usage leaked into lifetime counters")
	}
}

func TestUsageCounterLimits(t *testing.T) {
	c := UsageCounter{BytesUsed: 900, ByteLimit: 1000, ItemCount: 9, ItemLimit: 10}

	if c.WouldExceedBytes(100) {
		t.Error("exactly-at-limit bytes rejected")
	}
	if !c.WouldExceedBytes(101) {
		t.Error("over-limit bytes accepted")
	}
	if c.WouldExceedItems(1) {
		t.Error("exactly-at-limit items rejected")
	}
	if !c.WouldExceedItems(2) {
		t.Error("over-limit items accepted")
	}

	unlimited := UsageCounter{BytesUsed: 1 << 40}
	if unlimited.WouldExceedBytes(1<<40) || unlimited.WouldExceedItems(1<<30) {
		t.Error("zero limit must mean unlimited")
	}
}

func TestStringListScan(t *testing.T) {
	var l StringList
	if err := l.Scan([]byte(`["a","b","c"]`)); err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(l) != 3 || l[0] != "a" {
		t.Errorf("unexpected list: %v", l)
	}

	var empty StringList
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("Failed to scan nil: %v", err)
	}
	if len(empty) != 0 {
		t.Error("expected empty list after scanning nil")
	}
}

func TestMetadataValue(t *testing.T) {
	meta := Metadata{"source": "dashboard"}
	value, err := meta.Value()
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(value.([]byte), &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if result["source"] != "dashboard" {
		t.Errorf("Expected source=dashboard, got %v", result["source"])
	}

	// nil maps marshal to an empty object, not null.
	var nilMeta Metadata
	value, err = nilMeta.Value()
	if err != nil {
		t.Fatalf("Failed to get value for nil map: %v", err)
	}
	if string(value.([]byte)) != "{}" {
		t.Errorf("Expected {}, got %s", value.([]byte))
	}
}

func TestMetadataScanNil(t *testing.T) {
	var meta Metadata
	if err := meta.Scan(nil); err != nil {
		t.Fatalf("Failed to scan nil: %v", err)
	}
	if len(meta) != 0 {
		t.Error("Expected empty metadata after scanning nil")
	}
}
