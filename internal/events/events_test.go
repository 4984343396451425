package events

import (
	"context"
	"testing"
)

func TestChannelNamesFollowEventType(t *testing.T) {
	if got := Channel(SaleCommitted); got != "pharma:events:sale.committed" {
		t.Fatalf("unexpected channel %s", got)
	}
}

func TestRecorderKeepsOrder(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), Event{Type: SaleCommitted, EntityID: "a"})
	_ = rec.Publish(context.Background(), Event{Type: SaleCancelled, EntityID: "a"})

	got := rec.Events()
	if len(got) != 2 || got[0].Type != SaleCommitted || got[1].Type != SaleCancelled {
		t.Fatalf("unexpected events %+v", got)
	}
}
