package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSlotConnectOutcomes(t *testing.T) {
	before := testutil.ToFloat64(SlotConnectsTotal.WithLabelValues("allocated"))

	SlotConnectsTotal.WithLabelValues("allocated").Inc()
	SlotConnectsTotal.WithLabelValues("reactivated").Inc()

	after := testutil.ToFloat64(SlotConnectsTotal.WithLabelValues("allocated"))
	if after != before+1 {
		t.Errorf("expected allocated counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestJobLifecycleCounters(t *testing.T) {
	createdBefore := testutil.ToFloat64(JobsCreatedTotal)
	doneBefore := testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("done"))

	JobsCreatedTotal.Inc()
	JobsCompletedTotal.WithLabelValues("done").Inc()

	if got := testutil.ToFloat64(JobsCreatedTotal); got != createdBefore+1 {
		t.Errorf("jobs created = %v, want %v", got, createdBefore+1)
	}
	if got := testutil.ToFloat64(JobsCompletedTotal.WithLabelValues("done")); got != doneBefore+1 {
		t.Errorf("jobs completed = %v, want %v", got, doneBefore+1)
	}
}

func TestJobsInProgressGauge(t *testing.T) {
	before := testutil.ToFloat64(JobsInProgress)

	JobsInProgress.Inc()
	if got := testutil.ToFloat64(JobsInProgress); got != before+1 {
		t.Errorf("gauge = %v, want %v", got, before+1)
	}

	JobsInProgress.Dec()
	if got := testutil.ToFloat64(JobsInProgress); got != before {
		t.Errorf("gauge = %v, want %v after dec", got, before)
	}
}

func TestBytesTransferredAccumulates(t *testing.T) {
	before := testutil.ToFloat64(BytesTransferredTotal)

	BytesTransferredTotal.Add(1024)
	BytesTransferredTotal.Add(2048)

	if got := testutil.ToFloat64(BytesTransferredTotal); got != before+3072 {
		t.Errorf("bytes transferred = %v, want %v", got, before+3072)
	}
}

func TestQuotaRejectionReasons(t *testing.T) {
	before := testutil.ToFloat64(QuotaRejectionsTotal.WithLabelValues("byte_quota_exceeded"))

	QuotaRejectionsTotal.WithLabelValues("byte_quota_exceeded").Inc()

	if got := testutil.ToFloat64(QuotaRejectionsTotal.WithLabelValues("byte_quota_exceeded")); got != before+1 {
		t.Errorf("rejection counter = %v, want %v", got, before+1)
	}
}
