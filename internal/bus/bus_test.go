package bus

import (
	"sync"
	"testing"

	"github.com/haasonsaas/hatchling/pkg/models"
)

type recordingSubscriber struct {
	kinds    map[models.EventKind]struct{}
	mu       sync.Mutex
	received []models.Event
}

func newRecorder(kinds ...models.EventKind) *recordingSubscriber {
	set := make(map[models.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &recordingSubscriber{kinds: set}
}

func (r *recordingSubscriber) SubscribedKinds() map[models.EventKind]struct{} { return r.kinds }

func (r *recordingSubscriber) OnEvent(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, e)
}

func (r *recordingSubscriber) events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.received))
	copy(out, r.received)
	return out
}

func TestPublishDeliversOnlySubscribedKinds(t *testing.T) {
	b := New(nil)
	sub := newRecorder(models.EventContent)
	b.Subscribe(sub)

	b.Publish(models.EventContent, map[string]any{"text": "hi"}, models.ProviderOllama)
	b.Publish(models.EventFinish, map[string]any{"reason": "stop"}, models.ProviderOllama)

	got := sub.events()
	if len(got) != 1 {
		t.Fatalf("want 1 event, got %d", len(got))
	}
	if got[0].Kind != models.EventContent {
		t.Fatalf("want CONTENT, got %s", got[0].Kind)
	}
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	var mu sync.Mutex
	mk := func(id int) *orderSub {
		return &orderSub{id: id, order: &order, mu: &mu}
	}
	a, c := mk(1), mk(2)
	b.Subscribe(a)
	b.Subscribe(c)

	b.Publish(models.EventFinish, nil, "")

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("want [1 2], got %v", order)
	}
}

type orderSub struct {
	id    int
	order *[]int
	mu    *sync.Mutex
}

func (o *orderSub) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{models.EventFinish: {}}
}

func (o *orderSub) OnEvent(e models.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.order = append(*o.order, o.id)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	b.Subscribe(panicSub{})
	sub := newRecorder(models.EventError)
	b.Subscribe(sub)

	b.Publish(models.EventError, map[string]any{"message": "boom"}, "")

	if len(sub.events()) != 1 {
		t.Fatalf("expected the second subscriber to still receive the event")
	}
}

type panicSub struct{}

func (panicSub) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{models.EventError: {}}
}

func (panicSub) OnEvent(e models.Event) { panic("subscriber exploded") }

func TestSetRequestIDTagsSubsequentEvents(t *testing.T) {
	b := New(nil)
	sub := newRecorder(models.EventContent)
	b.Subscribe(sub)

	b.SetRequestID("req-1")
	b.Publish(models.EventContent, nil, "")

	got := sub.events()
	if len(got) != 1 || got[0].RequestID != "req-1" {
		t.Fatalf("want request id req-1, got %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	sub := newRecorder(models.EventContent)
	b.Subscribe(sub)
	b.Unsubscribe(sub)

	b.Publish(models.EventContent, nil, "")

	if len(sub.events()) != 0 {
		t.Fatalf("unsubscribed subscriber should not receive events")
	}
}
