package connection

import (
	"encoding/json"
	"testing"
)

func TestRegistry_AddAllocatesDisjointIDs(t *testing.T) {
	r := NewRegistry(nil)

	first := r.Add(KindBlock, nil, func(json.RawMessage) {})
	second := r.Add(KindFiatRates, nil, func(json.RawMessage) {})

	if first.ID != "sub-1" {
		t.Errorf("first ID = %q, want %q", first.ID, "sub-1")
	}
	if second.ID != "sub-2" {
		t.Errorf("second ID = %q, want %q", second.ID, "sub-2")
	}
	if !IsSubscriptionID(first.ID) {
		t.Errorf("IsSubscriptionID(%q) = false", first.ID)
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestIsSubscriptionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sub-1", true},
		{"sub-42", true},
		{"0", false},
		{"17", false},
		{"sub-", false},
		{"sub-x", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSubscriptionID(tt.id); got != tt.want {
			t.Errorf("IsSubscriptionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(nil)

	var got []BlockNotification
	sub := r.Add(KindBlock, nil, func(data json.RawMessage) {
		var n BlockNotification
		if err := json.Unmarshal(data, &n); err != nil {
			t.Errorf("unmarshal notification: %v", err)
			return
		}
		got = append(got, n)
	})

	if !r.Dispatch(reply(sub.ID, `{"height":100,"hash":"abc"}`)) {
		t.Fatal("Dispatch returned false for active subscription")
	}
	if r.Dispatch(reply("sub-99", `{}`)) {
		t.Error("Dispatch returned true for unknown subscription")
	}

	if len(got) != 1 {
		t.Fatalf("callback called %d times, want 1", len(got))
	}
	if got[0].Height != 100 || got[0].Hash != "abc" {
		t.Errorf("notification = %+v, want {100 abc}", got[0])
	}
}

func TestRegistry_CallbackPanicRecovered(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	sub := r.Add(KindNotification, nil, func(json.RawMessage) {
		calls++
		panic("callback bug")
	})

	if !r.Dispatch(reply(sub.ID, `{}`)) {
		t.Error("Dispatch returned false")
	}
	if !r.Dispatch(reply(sub.ID, `{}`)) {
		t.Error("Dispatch returned false after panic")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRegistry_RemoveStopsDelivery(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	sub := r.Add(KindBlock, nil, func(json.RawMessage) { calls++ })

	removed, ok := r.Remove(sub.ID)
	if !ok || removed.ID != sub.ID {
		t.Fatalf("Remove(%q) = %v, %v", sub.ID, removed, ok)
	}
	if _, ok := r.Remove(sub.ID); ok {
		t.Error("second Remove returned true")
	}

	r.Dispatch(reply(sub.ID, `{}`))
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)

	calls := 0
	sub := r.Add(KindBlock, nil, func(json.RawMessage) { calls++ })
	r.Add(KindFiatRates, nil, func(json.RawMessage) { calls++ })

	if n := r.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}

	r.Dispatch(reply(sub.ID, `{}`))
	if calls != 0 {
		t.Errorf("calls after Clear = %d, want 0", calls)
	}

	if late := r.Add(KindBlock, nil, func(json.RawMessage) {}); late != nil {
		t.Errorf("Add after Clear = %+v, want nil", late)
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(KindBlock, nil, nil)
	r.Add(KindNotification, map[string][]string{"addresses": {"addr1"}}, nil)

	subs := r.List()
	if len(subs) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(subs))
	}

	kinds := map[SubscriptionKind]bool{}
	for _, s := range subs {
		kinds[s.Kind] = true
	}
	if !kinds[KindBlock] || !kinds[KindNotification] {
		t.Errorf("kinds = %v, want block and notification", kinds)
	}
}

func TestSubscriptionKind_Valid(t *testing.T) {
	for _, k := range []SubscriptionKind{KindNotification, KindBlock, KindFiatRates} {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false", k)
		}
		sub, unsub := subscribeCommand(k)
		if sub == "" || unsub == "" {
			t.Errorf("subscribeCommand(%q) = %q, %q", k, sub, unsub)
		}
	}
	if SubscriptionKind("mempool").Valid() {
		t.Error("unknown kind reported valid")
	}
}
