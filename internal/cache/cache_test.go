package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	// Create a mini Redis server for testing
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cache, err := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create cache: %v", err)
	}

	return cache, mr
}

func TestNewCache(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	if cache == nil {
		t.Fatal("Cache should not be nil")
	}

	// Test ping
	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestCache_JobStatusOperations(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	payload := map[string]interface{}{
		"id":     "test-job-1",
		"status": models.JobStatusRunning,
	}

	// Test SetJobStatus
	err := cache.SetJobStatus(ctx, "test-job-1", payload, 5*time.Second)
	if err != nil {
		t.Fatalf("SetJobStatus failed: %v", err)
	}

	// Test GetJobStatus
	var retrieved map[string]interface{}
	found, err := cache.GetJobStatus(ctx, "test-job-1", &retrieved)
	if err != nil {
		t.Fatalf("GetJobStatus failed: %v", err)
	}

	if !found {
		t.Fatal("Cached job status should be found")
	}

	if retrieved["status"] != models.JobStatusRunning {
		t.Errorf("Expected status %s, got %v", models.JobStatusRunning, retrieved["status"])
	}

	// Test GetJobStatus for non-existent job
	var missing map[string]interface{}
	found, err = cache.GetJobStatus(ctx, "non-existent", &missing)
	if err != nil {
		t.Fatalf("GetJobStatus for non-existent should not error: %v", err)
	}

	if found {
		t.Error("Non-existent job status should report a miss")
	}

	// Test DeleteJobStatus
	err = cache.DeleteJobStatus(ctx, "test-job-1")
	if err != nil {
		t.Fatalf("DeleteJobStatus failed: %v", err)
	}

	found, err = cache.GetJobStatus(ctx, "test-job-1", &retrieved)
	if err != nil {
		t.Fatalf("GetJobStatus after delete failed: %v", err)
	}

	if found {
		t.Error("Deleted job status should report a miss")
	}
}

func TestCache_EntitlementOperations(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	ent := &models.EntitlementRecord{
		UserID:           "user-1",
		Plan:             "free",
		PlanClass:        models.PlanClassFree,
		SlotUsed:         1,
		SlotTotal:        2,
		LifetimeByteUsed: 1024,
		PeriodStart:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}

	// Test SetEntitlement
	err := cache.SetEntitlement(ctx, ent, 5*time.Second)
	if err != nil {
		t.Fatalf("SetEntitlement failed: %v", err)
	}

	// Test GetEntitlement
	retrieved, err := cache.GetEntitlement(ctx, ent.UserID)
	if err != nil {
		t.Fatalf("GetEntitlement failed: %v", err)
	}

	if retrieved == nil {
		t.Fatal("Retrieved entitlement should not be nil")
	}

	if retrieved.SlotUsed != ent.SlotUsed {
		t.Errorf("Expected slot_used %d, got %d", ent.SlotUsed, retrieved.SlotUsed)
	}

	if retrieved.LifetimeByteUsed != ent.LifetimeByteUsed {
		t.Errorf("Expected lifetime bytes %d, got %d", ent.LifetimeByteUsed, retrieved.LifetimeByteUsed)
	}

	// Test GetEntitlement for non-existent user
	nonExistent, err := cache.GetEntitlement(ctx, "non-existent")
	if err != nil {
		t.Fatalf("GetEntitlement for non-existent should not error: %v", err)
	}

	if nonExistent != nil {
		t.Error("Non-existent entitlement should return nil")
	}

	// Test DeleteEntitlement
	err = cache.DeleteEntitlement(ctx, ent.UserID)
	if err != nil {
		t.Fatalf("DeleteEntitlement failed: %v", err)
	}

	deleted, err := cache.GetEntitlement(ctx, ent.UserID)
	if err != nil {
		t.Fatalf("GetEntitlement after delete failed: %v", err)
	}

	if deleted != nil {
		t.Error("Deleted entitlement should return nil")
	}
}

func TestCache_SlotOperations(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	userID := "user-1"

	slots := []*models.SlotRecord{
		{
			ID:                "slot-1",
			UserID:            userID,
			Provider:          models.ProviderDrive,
			ExternalAccountID: "acct-a",
			SlotNumber:        1,
			Active:            true,
		},
		{
			ID:                "slot-2",
			UserID:            userID,
			Provider:          models.ProviderDropbox,
			ExternalAccountID: "acct-b",
			SlotNumber:        2,
			Active:            false,
		},
	}

	// Test SetUserSlots
	err := cache.SetUserSlots(ctx, userID, slots, 5*time.Second)
	if err != nil {
		t.Fatalf("SetUserSlots failed: %v", err)
	}

	// Test GetUserSlots
	retrieved, err := cache.GetUserSlots(ctx, userID)
	if err != nil {
		t.Fatalf("GetUserSlots failed: %v", err)
	}

	if len(retrieved) != len(slots) {
		t.Errorf("Expected %d slots, got %d", len(slots), len(retrieved))
	}

	if retrieved[1].Active {
		t.Error("Second slot should stay inactive through the cache")
	}

	// Test DeleteUserSlots
	err = cache.DeleteUserSlots(ctx, userID)
	if err != nil {
		t.Fatalf("DeleteUserSlots failed: %v", err)
	}

	deleted, err := cache.GetUserSlots(ctx, userID)
	if err != nil {
		t.Fatalf("GetUserSlots after delete failed: %v", err)
	}

	if deleted != nil {
		t.Error("Deleted slots should return nil")
	}
}

func TestCache_RateLimit(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	key := "user:123"
	limit := int64(5)
	window := 1 * time.Minute

	// Should allow first 5 requests
	for i := 0; i < 5; i++ {
		allowed, err := cache.CheckRateLimit(ctx, key, limit, window)
		if err != nil {
			t.Fatalf("CheckRateLimit failed: %v", err)
		}

		if !allowed {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	// Should deny 6th request
	allowed, err := cache.CheckRateLimit(ctx, key, limit, window)
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}

	if allowed {
		t.Error("Request beyond limit should be denied")
	}
}

func TestCache_JobLocking(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	jobID := "job-test-123"

	// Test AcquireJobLock
	acquired, err := cache.AcquireJobLock(ctx, jobID, 1*time.Minute)
	if err != nil {
		t.Fatalf("AcquireJobLock failed: %v", err)
	}

	if !acquired {
		t.Error("First lock acquisition should succeed")
	}

	// Test acquiring same lock again (should fail)
	acquired, err = cache.AcquireJobLock(ctx, jobID, 1*time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireJobLock failed: %v", err)
	}

	if acquired {
		t.Error("Second lock acquisition should fail")
	}

	// Test ReleaseJobLock
	err = cache.ReleaseJobLock(ctx, jobID)
	if err != nil {
		t.Fatalf("ReleaseJobLock failed: %v", err)
	}

	// Should be able to acquire again
	acquired, err = cache.AcquireJobLock(ctx, jobID, 1*time.Minute)
	if err != nil {
		t.Fatalf("AcquireJobLock after release failed: %v", err)
	}

	if !acquired {
		t.Error("Lock acquisition after release should succeed")
	}
}

func TestCache_Exists(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	key := "test:key"

	// Key should not exist initially
	exists, err := cache.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}

	if exists {
		t.Error("Key should not exist initially")
	}

	err = cache.SetJobStatus(ctx, "key-probe", map[string]string{"test": "value"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("SetJobStatus failed: %v", err)
	}

	exists, err = cache.Exists(ctx, "job:status:key-probe")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}

	if !exists {
		t.Error("Key should exist after setting")
	}
}

// Benchmark tests
func BenchmarkCache_SetJobStatus(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	cache, _ := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	defer cache.Close()

	ctx := context.Background()
	payload := map[string]interface{}{
		"id":     "benchmark-job",
		"status": models.JobStatusRunning,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.SetJobStatus(ctx, "benchmark-job", payload, 5*time.Second)
	}
}

func BenchmarkCache_GetJobStatus(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	cache, _ := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	defer cache.Close()

	ctx := context.Background()
	payload := map[string]interface{}{
		"id":     "benchmark-job",
		"status": models.JobStatusRunning,
	}

	cache.SetJobStatus(ctx, "benchmark-job", payload, 5*time.Second)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var dest map[string]interface{}
		cache.GetJobStatus(ctx, "benchmark-job", &dest)
	}
}
