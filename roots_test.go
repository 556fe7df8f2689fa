package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestRootGuardBoundaries(t *testing.T) {
	guard := NewRootGuard([]Root{{URI: "file:///home/alice/project", Name: "project"}})

	tests := []struct {
		path string
		want bool
	}{
		{"/home/alice/project/src/main.py", true},
		{"/home/alice/project", true},
		{"file:///home/alice/project/docs/readme.md", true},
		{"/home/alice/project/../../../etc/passwd", false},
		{"/etc/passwd", false},
		{"/home/alice/projectile", false},
		{"/home/alice", false},
	}

	for _, tt := range tests {
		if got := guard.Within(tt.path); got != tt.want {
			t.Errorf("Within(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRootGuardEmptySnapshotDeniesAll(t *testing.T) {
	guard := NewRootGuard(nil)
	if guard.Within("/home/alice/project/src") {
		t.Errorf("empty snapshot must deny everything")
	}
}

func TestRootGuardCanonicalEquivalence(t *testing.T) {
	guard := NewRootGuard([]Root{{URI: "file:///home/alice/project"}})

	equivalent := []string{
		"/home/alice/project/src",
		"/home/alice/project/./src",
		"/home/alice/project/docs/../src",
		"file:///home/alice/project/src",
	}
	for _, p := range equivalent {
		if !guard.Within(p) {
			t.Errorf("Within(%q) should hold for path equivalent to the canonical form", p)
		}
	}
}

func TestRootGuardFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	guard := NewRootGuard([]Root{{URI: "file://" + real}})
	if !guard.Within(filepath.Join(link, "inside.txt")) {
		t.Errorf("path through symlink into the root should be accepted")
	}
}

func rootsPeer(pages ...[]Root) (*fakePeer, *atomic.Int32) {
	peer := newFakePeer("c1")
	peer.caps = ClientCapabilities{Roots: &RootsCapability{ListChanged: true}}

	var fetches atomic.Int32
	peer.requestFn = func(_ context.Context, method string, params any) (json.RawMessage, error) {
		if method != MethodRootsList {
			return nil, errors.New("unexpected method " + method)
		}
		fetches.Add(1)

		page := 0
		if params != nil {
			lp := params.(ListRootsParams)
			offset, err := decodeCursor(lp.Cursor)
			if err != nil {
				return nil, err
			}
			page = offset
		}

		result := ListRootsResult{Roots: pages[page]}
		if page+1 < len(pages) {
			result.NextCursor = encodeCursor(page + 1)
		}
		data, _ := json.Marshal(result)
		return data, nil
	}
	return peer, &fetches
}

func TestRootsRefreshPaginatesAndDeduplicates(t *testing.T) {
	svc := newRootsService(time.Millisecond, 50, slog.Default())
	peer, _ := rootsPeer(
		[]Root{{URI: "file:///b", Name: "b"}, {URI: "file:///a", Name: "a"}},
		[]Root{{URI: "file:///a", Name: "a-again"}, {URI: "file:///c", Name: "c"}},
	)

	if err := svc.onSessionOpen(context.Background(), peer); err != nil {
		t.Fatalf("onSessionOpen failed: %v", err)
	}

	result, err := svc.list(context.Background(), peer, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(result.Roots) != 3 {
		t.Fatalf("expected 3 deduplicated roots, got %d", len(result.Roots))
	}
	for i := 1; i < len(result.Roots); i++ {
		if result.Roots[i-1].URI >= result.Roots[i].URI {
			t.Errorf("snapshot not ordered: %v", result.Roots)
		}
	}
}

func TestRootsCursorStaleAfterRefresh(t *testing.T) {
	svc := newRootsService(time.Millisecond, 1, slog.Default())
	peer, _ := rootsPeer([]Root{{URI: "file:///a"}, {URI: "file:///b"}})

	if err := svc.onSessionOpen(context.Background(), peer); err != nil {
		t.Fatalf("onSessionOpen failed: %v", err)
	}

	first, err := svc.list(context.Background(), peer, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if first.NextCursor == "" {
		t.Fatalf("expected a next cursor with page size 1")
	}

	// Change the advertised roots and force a refresh; the version bumps.
	peer.requestFn = func(context.Context, string, any) (json.RawMessage, error) {
		data, _ := json.Marshal(ListRootsResult{Roots: []Root{{URI: "file:///z"}}})
		return data, nil
	}
	if err := svc.refresh(context.Background(), peer); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	_, err = svc.list(context.Background(), peer, first.NextCursor)
	var jerr JSONRPCError
	if !errors.As(err, &jerr) || jerr.Code != CodeInvalidParams {
		t.Fatalf("stale cursor should be rejected with invalid params, got %v", err)
	}
}

func TestRootsUnchangedSnapshotKeepsVersion(t *testing.T) {
	svc := newRootsService(time.Millisecond, 50, slog.Default())
	peer, _ := rootsPeer([]Root{{URI: "file:///a"}})

	if err := svc.onSessionOpen(context.Background(), peer); err != nil {
		t.Fatalf("onSessionOpen failed: %v", err)
	}
	v1 := svc.versionFor(peer.ID())

	if err := svc.refresh(context.Background(), peer); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if v2 := svc.versionFor(peer.ID()); v2 != v1 {
		t.Errorf("identical snapshot must not bump the version: %d -> %d", v1, v2)
	}
}

func TestRootsListChangedDebounces(t *testing.T) {
	svc := newRootsService(20*time.Millisecond, 50, slog.Default())
	peer, fetches := rootsPeer([]Root{{URI: "file:///a"}})

	if err := svc.onSessionOpen(context.Background(), peer); err != nil {
		t.Fatalf("onSessionOpen failed: %v", err)
	}
	initial := fetches.Load()

	// A burst of notifications coalesces into one refresh.
	svc.onListChanged(peer)
	svc.onListChanged(peer)
	svc.onListChanged(peer)

	time.Sleep(5 * time.Millisecond)
	if fetches.Load() != initial {
		t.Errorf("refresh fired before the quiet period elapsed")
	}

	waitFor(t, func() bool { return fetches.Load() == initial+1 }, "debounced refresh")

	time.Sleep(40 * time.Millisecond)
	if fetches.Load() != initial+1 {
		t.Errorf("burst should coalesce into exactly one refresh, got %d extra", fetches.Load()-initial)
	}
}

func TestRootsRequiresClientCapability(t *testing.T) {
	svc := newRootsService(time.Millisecond, 50, slog.Default())
	peer := newFakePeer("c1")

	err := svc.onSessionOpen(context.Background(), peer)
	var jerr JSONRPCError
	if !errors.As(err, &jerr) || jerr.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

func TestRemoveSessionDropsRootsState(t *testing.T) {
	svc := newRootsService(time.Millisecond, 50, slog.Default())
	peer, _ := rootsPeer([]Root{{URI: "file:///a"}})

	if err := svc.onSessionOpen(context.Background(), peer); err != nil {
		t.Fatalf("onSessionOpen failed: %v", err)
	}
	svc.removeSession(peer.ID())

	if svc.versionFor(peer.ID()) != 0 {
		t.Errorf("removed session still has a cache entry")
	}
	if svc.guardFor(peer.ID()).Within("/") {
		t.Errorf("removed session should get a deny-all guard")
	}
}
