package alerts

import (
	"testing"
	"time"

	"examguard/internal/model"
)

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.Add(model.Alert{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	got := s.List(0)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
	if since := s.Since(base.Add(2 * time.Minute)); len(since) != 1 || since[0].ID != "c" {
		t.Fatalf("unexpected Since result: %+v", since)
	}
	s.MarkAcknowledged("c", "p1")
	if last := s.List(1)[0]; !last.Acknowledged || last.AcknowledgedBy != "p1" {
		t.Fatalf("ack not mirrored: %+v", last)
	}
}
