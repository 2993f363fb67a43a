package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

func docEvent(jobID string) Event {
	return Event{
		JobID:    jobID,
		TS:       time.Now(),
		Type:     TypeDocument,
		Document: &crawler.Document{Markdown: "hi"},
	}
}

func TestBrokerDeliversPerJob(t *testing.T) {
	t.Parallel()

	b := NewBroker(4, nil)
	a := b.Subscribe("job-a")
	other := b.Subscribe("job-b")
	defer other.Close()

	b.Emit(docEvent("job-a"))
	b.Emit(Event{JobID: "job-a", TS: time.Now(), Type: TypeDone, Status: crawler.JobStatusCompleted})

	first := <-a.Events()
	require.Equal(t, TypeDocument, first.Type)
	second := <-a.Events()
	require.Equal(t, TypeDone, second.Type)
	_, open := <-a.Events()
	require.False(t, open, "final event closes the subscription")
	require.Zero(t, b.Subscribers("job-a"))

	select {
	case evt := <-other.Events():
		t.Fatalf("unexpected event for job-b: %+v", evt)
	default:
	}
	require.Equal(t, 1, b.Subscribers("job-b"))
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, nil)
	sub := b.Subscribe("job-a")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Emit(docEvent("job-a"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	require.Len(t, sub.Events(), 1)
}

func TestBrokerIgnoresInvalidEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker(0, nil)
	sub := b.Subscribe("job-a")
	b.Emit(Event{JobID: "job-a", TS: time.Now(), Type: TypeDocument})
	b.Emit(Event{JobID: "job-a", Type: TypeError, Error: "x"})
	b.Emit(Event{JobID: "job-a", TS: time.Now(), Type: TypeDone, Status: crawler.JobStatusScraping})
	require.Empty(t, sub.Events())

	sub.Close()
	sub.Close()
	_, open := <-sub.Events()
	require.False(t, open)

	var nilBroker *Broker
	nilBroker.Emit(docEvent("job-a"))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Event{}.Validate())
	require.Error(t, Event{JobID: "j", TS: time.Now(), Type: "bogus"}.Validate())
	require.NoError(t, Event{JobID: "j", TS: time.Now(), Type: TypeError, Error: "boom"}.Validate())
	require.True(t, Event{Type: TypeError}.Final())
	require.False(t, docEvent("j").Final())
}
