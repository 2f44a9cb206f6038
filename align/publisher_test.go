package align

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewPublisher(t *testing.T) {
	p := NewPublisher(nil, "")
	if p.prefix != defaultMQTTPrefix {
		t.Errorf("default prefix = %q, want %q", p.prefix, defaultMQTTPrefix)
	}
	if p.qos != 0 || p.retain {
		t.Errorf("defaults: qos %d retain %v", p.qos, p.retain)
	}

	p.SetQoS(1)
	p.SetQoS(3)
	if p.qos != 1 {
		t.Errorf("QoS = %d, want 1 (3 is out of range)", p.qos)
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := NewPublisher(nil, "bench")
	if got := p.RecordTopic("run-1", "sample-7"); got != "bench/run-1/sample-7" {
		t.Errorf("RecordTopic = %q", got)
	}
	if got := p.SummaryTopic(); got != "bench/summary" {
		t.Errorf("SummaryTopic = %q", got)
	}
}

func TestPublisher_NotConnected(t *testing.T) {
	if err := NewPublisher(nil, "x").PublishRecord(&Record{}); err == nil {
		t.Error("expected error with nil client")
	}

	mock := NewMockClient()
	p := NewPublisher(mock, "x")
	if err := p.PublishSummary(Summary{}); err == nil {
		t.Error("expected error while disconnected")
	}
	if len(mock.GetPublishedMessages()) != 0 {
		t.Error("nothing should be published while disconnected")
	}
}

func TestPublisher_PublishRecord(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "bench")
	p.SetRetain(true)

	rec := &Record{RunID: "run-1", SampleID: "s", Status: StatusOK, Stage: StageDone, Transform: Translation(Vec3{1, 2, 3})}
	if err := p.PublishRecord(rec); err != nil {
		t.Fatalf("PublishRecord: %v", err)
	}

	msgs := mock.GetPublishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "bench/run-1/s" || !msgs[0].Retain {
		t.Errorf("message = %+v", msgs[0])
	}

	var got Record
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload is not a record: %v", err)
	}
	if got.SampleID != "s" || got.Stage != StageDone || got.Transform.T != (Vec3{1, 2, 3}) {
		t.Errorf("decoded record = %+v", got)
	}
	if p.Published() != 1 {
		t.Errorf("Published() = %d, want 1", p.Published())
	}
}

func TestPublisher_PublishSummary(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewPublisher(mock, "bench")

	sum := Summary{RunID: "r", Samples: 4, Registered: 3, SuccessRate: 0.75, FailuresByStage: map[Stage]int{StageConsensus: 1}}
	if err := p.PublishSummary(sum); err != nil {
		t.Fatalf("PublishSummary: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(mock.GetPublishedMessages()[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["success_rate"] != 0.75 {
		t.Errorf("success_rate = %v", payload["success_rate"])
	}
	if _, ok := payload["timestamp"]; !ok {
		t.Error("summary payload has no timestamp")
	}
	stages, _ := payload["failures_by_stage"].(map[string]any)
	if stages["consensus"] != float64(1) {
		t.Errorf("failures_by_stage = %v", payload["failures_by_stage"])
	}
}

func TestPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("quota exceeded"))
	p := NewPublisher(mock, "bench")

	if err := p.PublishRecord(&Record{RunID: "r", SampleID: "s"}); err == nil {
		t.Error("expected publish error")
	}
	if p.Published() != 0 {
		t.Errorf("Published() = %d after failure", p.Published())
	}
}
