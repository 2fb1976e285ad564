package memory

import (
	"context"
	"testing"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

func TestPublisherStoresNotifications(t *testing.T) {
	t.Parallel()

	pub := New()
	n := scraper.Notification{RunID: "run-1", Result: scraper.GroupResult{GroupName: "alpha", Success: true}}
	id1, err := pub.Publish(context.Background(), "topic-a", n)
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", scraper.Notification{RunID: "run-1"})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[0].Topic != "topic-a" || msgs[1].Topic != "topic-b" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}
	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}

	got, err := pub.Notifications()
	if err != nil {
		t.Fatalf("Notifications() error = %v", err)
	}
	if got[0].Result.GroupName != "alpha" || !got[0].Result.Success {
		t.Fatalf("unexpected notification %+v", got[0])
	}
}

func TestPublisherRejectsUnencodable(t *testing.T) {
	t.Parallel()

	if _, err := New().Publish(context.Background(), "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
