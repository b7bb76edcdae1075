package metrics

import (
	"testing"
	"time"
)

func TestGenerateReport(t *testing.T) {
	m := New()
	m.RecordNewUploaded()
	m.RecordNewUploaded()
	m.RecordAlreadyPresent()
	m.RecordTransientFailure()
	m.RecordPermanentFailure()

	time.Sleep(10 * time.Millisecond)

	report := m.GenerateReport()
	if report.NewUploaded != 2 {
		t.Errorf("NewUploaded = %d, want 2", report.NewUploaded)
	}
	if report.AlreadyPresent != 1 {
		t.Errorf("AlreadyPresent = %d, want 1", report.AlreadyPresent)
	}
	if report.Duration <= 0 {
		t.Error("expected positive duration")
	}
	if report.Throughput <= 0 {
		t.Error("expected positive throughput")
	}
}

func TestRecordUploadDuration_FlagsSlow(t *testing.T) {
	m := New()
	if m.RecordUploadDuration(30 * time.Second) {
		t.Error("30s upload should not be flagged slow")
	}
	if !m.RecordUploadDuration(121 * time.Second) {
		t.Error("121s upload should be flagged slow")
	}
	report := m.GenerateReport()
	if report.SlowUploads != 1 {
		t.Errorf("SlowUploads = %d, want 1", report.SlowUploads)
	}
}

func TestMaybeEmitRate(t *testing.T) {
	m := New()
	for i := 0; i < rateEmitInterval-1; i++ {
		m.RecordNewUploaded()
	}
	if _, ok := m.MaybeEmitRate(); ok {
		t.Error("should not emit before reaching rateEmitInterval")
	}

	m.RecordNewUploaded()
	sample, ok := m.MaybeEmitRate()
	if !ok {
		t.Fatal("expected rate emission at rateEmitInterval")
	}
	if sample.UploadsPerMinute <= 0 {
		t.Error("expected positive uploads-per-minute rate")
	}

	if _, ok := m.MaybeEmitRate(); ok {
		t.Error("should not re-emit immediately after a fresh emission")
	}
}

func TestReport_MarshalJSON(t *testing.T) {
	m := New()
	m.RecordNewUploaded()
	report := m.GenerateReport()

	data, err := report.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty JSON output")
	}
}
