package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

func online(r *Registry) []OnlineUser { return slices.Collect(r.ListOnline()) }

func TestRegistry_JoinAndList(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Join("mehmet", "c1", "/loads"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := r.Join("ayse", "c2", "/chat"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	got := online(r)
	want := []OnlineUser{{Username: "ayse", Page: "/chat", Connections: 1}, {Username: "mehmet", Page: "/loads", Connections: 1}}
	if !slices.Equal(got, want) {
		t.Errorf("ListOnline() = %+v, want %+v", got, want)
	}
}

func TestRegistry_JoinIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Join("ayse", "c1", "/chat")
	_ = r.Join("ayse", "c1", "/positions")

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	got := online(r)
	if len(got) != 1 || got[0].Page != "/positions" || got[0].Connections != 1 {
		t.Errorf("ListOnline() = %+v", got)
	}
	if err := r.Join("mehmet", "c1", "/chat"); !errors.Is(err, ErrConnectionConflict) {
		t.Errorf("Join() with foreign connection id error = %v, want ErrConnectionConflict", err)
	}
}

func TestRegistry_MultiTabMostRecentPageWins(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Join("ayse", "tab1", "/chat")
	_ = r.Join("ayse", "tab2", "/contracts")

	if got := online(r); len(got) != 1 || got[0].Page != "/contracts" || got[0].Connections != 2 {
		t.Fatalf("ListOnline() = %+v", got)
	}
	r.UpdatePage("tab1", "/positions")
	if got := online(r); got[0].Page != "/positions" {
		t.Errorf("representative page = %q, want /positions", got[0].Page)
	}
	if !r.IsViewing("ayse", "/contracts") || r.IsViewing("ayse", "/chat") {
		t.Error("IsViewing() disagrees with connection pages")
	}
}

func TestRegistry_IsViewingChat(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Join("mehmet", "tab1", "/chat?with=ali")
	_ = r.Join("zeynep", "tab2", "/chat")

	tests := []struct {
		user, peer string
		want       bool
	}{
		{"mehmet", "ali", true},
		{"mehmet", "ayse", false},
		{"zeynep", "ali", false},
		{"nobody", "ali", false},
	}
	for _, tt := range tests {
		if got := r.IsViewingChat(tt.user, "/chat", tt.peer); got != tt.want {
			t.Errorf("IsViewingChat(%q, %q) = %v, want %v", tt.user, tt.peer, got, tt.want)
		}
	}
	r.UpdatePage("tab1", "/chat?with=ayse")
	if !r.IsViewingChat("mehmet", "/chat", "ayse") {
		t.Error("IsViewingChat() ignored a page change")
	}
}

func TestRegistry_LeaveDuringJoin(t *testing.T) {
	r := NewRegistry(nil)
	r.claimed = func(id string) {
		if u, last := r.Leave(id); u != "ayse" || last {
			t.Errorf("Leave() mid-join = %q, %v", u, last)
		}
	}
	if err := r.Join("ayse", "tab1", "/chat"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.claimed = nil

	if r.IsOnline("ayse") || len(online(r)) != 0 {
		t.Errorf("connection left during join is still listed: %+v", online(r))
	}
	if err := r.Join("ayse", "tab2", "/"); err != nil || !r.IsOnline("ayse") {
		t.Errorf("rejoin after ghost cleanup: err=%v online=%v", err, r.IsOnline("ayse"))
	}
}

func TestRegistry_Leave(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.Join("ayse", "tab1", "/chat")
	_ = r.Join("ayse", "tab2", "/chat")

	if u, last := r.Leave("tab1"); u != "ayse" || last {
		t.Errorf("Leave(tab1) = %q %v, want ayse false", u, last)
	}
	if !r.IsOnline("ayse") {
		t.Error("ayse should still be online with one tab")
	}
	if u, last := r.Leave("tab2"); u != "ayse" || !last {
		t.Errorf("Leave(tab2) = %q %v, want ayse true", u, last)
	}
	if r.IsOnline("ayse") || len(online(r)) != 0 {
		t.Error("ayse should be offline")
	}
	// duplicate disconnect events are no-ops
	if u, last := r.Leave("tab2"); u != "" || last {
		t.Errorf("Leave(unknown) = %q %v, want no-op", u, last)
	}
	if r.UpdatePage("tab2", "/x") {
		t.Error("UpdatePage() on unknown connection should report false")
	}
}

func TestRegistry_ListOnlineRestartable(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 5; i++ {
		_ = r.Join(fmt.Sprintf("user%d", 4-i), fmt.Sprintf("c%d", i), "/")
	}
	seq := r.ListOnline()
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) {
		t.Errorf("ListOnline() not restartable: %v vs %v", first, second)
	}
	if !slices.IsSortedFunc(first, func(a, b OnlineUser) int {
		if a.Username < b.Username {
			return -1
		}
		return 1
	}) {
		t.Errorf("ListOnline() not sorted: %v", first)
	}
	// early break must not panic
	for range seq {
		break
	}
}

func TestRegistry_RosterBroadcast(t *testing.T) {
	rosters := make(chan []OnlineUser, 16)
	r := NewRegistry(func(u []OnlineUser) { rosters <- u })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_ = r.Join("ayse", "c1", "/chat")
	_ = r.Join("mehmet", "c2", "/chat")
	r.Leave("c1")

	deadline := time.After(time.Second)
	for {
		select {
		case got := <-rosters:
			if len(got) == 1 && got[0].Username == "mehmet" {
				return
			}
		case <-deadline:
			t.Fatal("final roster with only mehmet was never broadcast")
		}
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user%d", i%5)
			conn := fmt.Sprintf("conn%d", i)
			_ = r.Join(user, conn, "/chat")
			r.UpdatePage(conn, "/loads")
			if i%2 == 0 {
				r.Leave(conn)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 25 {
		t.Errorf("Count() = %d, want 25", r.Count())
	}
	total := 0
	for u := range r.ListOnline() {
		total += u.Connections
	}
	if total != 25 {
		t.Errorf("sum of connections = %d, want 25", total)
	}
}
