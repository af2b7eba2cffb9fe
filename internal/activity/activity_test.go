package activity

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(kind SourceKind, device string, offset time.Duration, title string) Event {
	return Event{Source: kind, DeviceID: device, Timestamp: base.Add(offset), Title: title}
}

func TestAggregateEmptySourceAndTwoPairs(t *testing.T) {
	inputs := []Input{
		{Kind: SourceLocation, Loaded: true},
		{Kind: SourceMessage, Loaded: true, Events: []Event{ev(SourceMessage, "d1", 4*time.Minute, "m2"), ev(SourceMessage, "d1", time.Minute, "m1")}},
		{Kind: SourceCall, Loaded: true, Events: []Event{ev(SourceCall, "d1", 3*time.Minute, "c2"), ev(SourceCall, "d1", 2*time.Minute, "c1")}},
	}
	feed := Aggregate(inputs, Query{})
	if len(feed.Events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(feed.Events))
	}
	for i := 1; i < len(feed.Events); i++ {
		if !feed.Events[i-1].Timestamp.After(feed.Events[i].Timestamp) {
			t.Fatalf("expected strictly descending timestamps, got %+v", feed.Events)
		}
	}
	want := []string{"m2", "c2", "c1", "m1"}
	for i, w := range want {
		if feed.Events[i].Title != w {
			t.Fatalf("position %d: expected %s got %s", i, w, feed.Events[i].Title)
		}
	}
	if st := feed.Sources[SourceLocation]; !st.Loaded || st.Count != 0 {
		t.Fatalf("expected loaded empty location source, got %+v", st)
	}
	if feed.Truncated {
		t.Fatalf("did not expect truncation")
	}
}

func TestAggregateTieBreakBySourcePriority(t *testing.T) {
	inputs := []Input{
		{Kind: SourceLocation, Loaded: true, Events: []Event{ev(SourceLocation, "d1", 0, "loc")}},
		{Kind: SourceCall, Loaded: true, Events: []Event{ev(SourceCall, "d1", 0, "call")}},
		{Kind: SourceMessage, Loaded: true, Events: []Event{ev(SourceMessage, "d1", 0, "msg-a"), ev(SourceMessage, "d1", 0, "msg-b")}},
	}
	for i := 0; i < 10; i++ {
		feed := Aggregate(inputs, Query{})
		got := make([]string, 0, len(feed.Events))
		for _, e := range feed.Events {
			got = append(got, e.Title)
		}
		if fmt.Sprint(got) != "[msg-a msg-b call loc]" {
			t.Fatalf("unexpected tie-break order: %v", got)
		}
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	inputs := make([]Input, 0, 3)
	for _, k := range []SourceKind{SourceMessage, SourceCall, SourceLocation} {
		evs := make([]Event, 0, 20)
		for i := 20; i > 0; i-- {
			evs = append(evs, ev(k, fmt.Sprintf("d%d", i%3), time.Duration(i/2)*time.Second, fmt.Sprintf("%s-%d", k, i)))
		}
		inputs = append(inputs, Input{Kind: k, Loaded: true, Events: evs})
	}
	first, _ := json.Marshal(Aggregate(inputs, Query{Limit: 25}))
	for i := 0; i < 20; i++ {
		again, _ := json.Marshal(Aggregate(inputs, Query{Limit: 25}))
		if string(again) != string(first) {
			t.Fatalf("aggregation output changed between runs")
		}
	}
}

func TestAggregateLimitAndDeviceFilter(t *testing.T) {
	inputs := []Input{
		{Kind: SourceMessage, Loaded: true, Events: []Event{
			ev(SourceMessage, "d1", 5*time.Minute, "m3"),
			ev(SourceMessage, "d2", 4*time.Minute, "m2"),
			ev(SourceMessage, "d1", time.Minute, "m1"),
		}},
		{Kind: SourceCall, Loaded: true, Events: []Event{
			ev(SourceCall, "d2", 3*time.Minute, "c2"),
			ev(SourceCall, "d1", 2*time.Minute, "c1"),
		}},
	}
	feed := Aggregate(inputs, Query{Limit: 2})
	if len(feed.Events) != 2 || !feed.Truncated {
		t.Fatalf("expected truncated 2-event feed, got %+v", feed)
	}
	if feed.Events[0].Title != "m3" || feed.Events[1].Title != "m2" {
		t.Fatalf("unexpected head: %+v", feed.Events)
	}

	feed = Aggregate(inputs, Query{DeviceID: "d1"})
	if len(feed.Events) != 3 || feed.Truncated {
		t.Fatalf("expected 3 d1 events, got %+v", feed)
	}
	for _, e := range feed.Events {
		if e.DeviceID != "d1" {
			t.Fatalf("unexpected device in filtered feed: %+v", e)
		}
	}
	if feed.Sources[SourceCall].Count != 1 {
		t.Fatalf("expected filtered call count 1, got %+v", feed.Sources[SourceCall])
	}

	feed = Aggregate(inputs, Query{DeviceID: "d1", Limit: 3})
	if feed.Truncated {
		t.Fatalf("exact limit must not report truncation")
	}
}

func TestAggregatorDistinguishesLoadingFromEmpty(t *testing.T) {
	a := NewAggregator([]SourceKind{SourceMessage, SourceCall}, nil)
	feed := a.Feed(Query{})
	if !feed.Loading() || feed.Sources[SourceMessage].Loaded {
		t.Fatalf("expected sources to be loading, got %+v", feed.Sources)
	}

	a.Replace(SourceCall, nil)
	a.Replace(SourceMessage, []Event{ev(SourceMessage, "d1", 0, "m")})
	feed = a.Feed(Query{})
	if feed.Loading() {
		t.Fatalf("expected all sources loaded")
	}
	if st := feed.Sources[SourceCall]; !st.Loaded || st.Count != 0 {
		t.Fatalf("expected loaded empty call source, got %+v", st)
	}
	if len(feed.Events) != 1 {
		t.Fatalf("expected the message event, got %+v", feed.Events)
	}
}

func TestAggregatorNormalizesUnorderedSnapshots(t *testing.T) {
	a := NewAggregator([]SourceKind{SourceMessage}, nil)
	a.Replace(SourceMessage, []Event{
		ev(SourceMessage, "d1", time.Minute, "m1"),
		ev(SourceMessage, "d1", 3*time.Minute, "m3"),
		ev(SourceMessage, "d1", 2*time.Minute, "m2"),
	})
	feed := a.Feed(Query{})
	if feed.Events[0].Title != "m3" || feed.Events[2].Title != "m1" {
		t.Fatalf("expected newest-first order, got %+v", feed.Events)
	}
}

func TestSubscriptionRecomputesAndCloses(t *testing.T) {
	calls := 0
	a := NewAggregator([]SourceKind{SourceMessage, SourceCall}, func() { calls++ })
	sub := a.Subscribe(Query{Limit: 10})

	first := <-sub.Updates()
	if !first.Loading() {
		t.Fatalf("expected initial feed to be loading")
	}

	a.Replace(SourceMessage, []Event{ev(SourceMessage, "d1", 0, "m")})
	a.Replace(SourceCall, []Event{ev(SourceCall, "d1", time.Second, "c")})

	latest := <-sub.Updates()
	if len(latest.Events) != 2 || latest.Events[0].Title != "c" {
		t.Fatalf("expected latest feed with both sources, got %+v", latest.Events)
	}
	if calls < 3 {
		t.Fatalf("expected a recomputation per update, got %d", calls)
	}

	sub.Close()
	a.Replace(SourceCall, nil)
	if _, ok := <-sub.Updates(); ok {
		t.Fatalf("expected closed subscription to deliver nothing")
	}
	sub.Close()
}

func TestConcurrentReplaceLeavesNewestFeedBuffered(t *testing.T) {
	kinds := []SourceKind{SourceMessage, SourceCall, SourceLocation}
	a := NewAggregator(kinds, nil)
	q := Query{Limit: 100}
	sub := a.Subscribe(q)
	defer sub.Close()

	titles := func(f Feed) string {
		out := make([]string, 0, len(f.Events))
		for _, e := range f.Events {
			out = append(out, e.Title)
		}
		return fmt.Sprint(out)
	}
	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				k := kinds[i%len(kinds)]
				a.Replace(k, []Event{ev(k, "d1", time.Duration(round*100+i)*time.Second, fmt.Sprintf("%s-%d-%d", k, round, i))})
			}(i)
		}
		wg.Wait()

		want := titles(a.Feed(q))
		var got Feed
		select {
		case got = <-sub.Updates():
		default:
			t.Fatalf("round %d: no feed buffered", round)
		}
		if titles(got) != want {
			t.Fatalf("round %d: buffered feed %s is older than current %s", round, titles(got), want)
		}
	}
}
