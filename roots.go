package openmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultRootsDebounce is the quiet period after a roots/list_changed
// notification before the snapshot is re-fetched. Configurable with
// WithRootsDebounce.
const defaultRootsDebounce = 250 * time.Millisecond

// RootGuard is a reference monitor over a snapshot of client-advertised
// filesystem roots. It answers whether a candidate path stays within any
// root. A guard built from an empty snapshot denies everything.
type RootGuard struct {
	paths []string
}

// NewRootGuard canonicalizes the roots' URIs into a guard. Roots whose URIs
// cannot be interpreted as paths are skipped.
func NewRootGuard(roots []Root) RootGuard {
	paths := make([]string, 0, len(roots))
	for _, root := range roots {
		p, err := canonicalizePath(root.URI)
		if err != nil {
			continue
		}
		paths = append(paths, p)
	}
	return RootGuard{paths: paths}
}

// Within reports whether candidate resolves to one of the guard's roots or to
// a descendant of one. Relative segments are resolved before the check, so
// traversals escaping a root are rejected.
func (g RootGuard) Within(candidate string) bool {
	if len(g.paths) == 0 {
		return false
	}
	path, err := canonicalizePath(candidate)
	if err != nil {
		return false
	}
	for _, root := range g.paths {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// canonicalizePath turns a file URI or local path into a comparable absolute
// path: file scheme stripped (host folded in as a UNC prefix on Windows, an
// extra leading component elsewhere), home expanded, relative segments
// resolved, symlinks followed where the filesystem allows, and case folded on
// Windows.
func canonicalizePath(value string) (string, error) {
	p := value

	if u, err := url.Parse(value); err == nil && u.Scheme == "file" {
		raw := u.Path
		host := u.Host
		if runtime.GOOS == "windows" {
			if host != "" && !strings.EqualFold(host, "localhost") {
				raw = `\\` + host + filepath.FromSlash(raw)
			} else {
				raw = strings.TrimPrefix(raw, "/")
				raw = filepath.FromSlash(raw)
			}
		} else {
			if raw == "" {
				raw = "/"
			}
			if host != "" && !strings.EqualFold(host, "localhost") {
				raw = "/" + host + raw
			}
		}
		p = raw
	}

	if p == "~" || strings.HasPrefix(p, "~"+string(os.PathSeparator)) || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", value, err)
	}

	resolved := resolveSymlinks(abs)
	if runtime.GOOS == "windows" {
		resolved = strings.ToLower(resolved)
	}
	return filepath.Clean(resolved), nil
}

// resolveSymlinks follows symlinks without requiring the full path to exist:
// when the path itself cannot be resolved, the deepest existing ancestor is
// resolved and the remaining components are re-joined.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	dir := path
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
	}
}

type rootsEntry struct {
	version  int
	snapshot []Root
	guard    RootGuard
}

// RootsService caches each session's advertised roots behind a
// version-stamped snapshot and a RootGuard. Snapshots are refreshed when the
// session opens and, after a debounce, whenever the client notifies
// notifications/roots/list_changed.
type RootsService struct {
	mu         sync.Mutex
	entries    map[string]*rootsEntry
	debouncers map[string]*time.Timer
	peers      map[string]sessionPeer

	delay    time.Duration
	pageSize int
	logger   *slog.Logger
}

func newRootsService(delay time.Duration, pageSize int, logger *slog.Logger) *RootsService {
	return &RootsService{
		entries:    make(map[string]*rootsEntry),
		debouncers: make(map[string]*time.Timer),
		peers:      make(map[string]sessionPeer),
		delay:      delay,
		pageSize:   pageSize,
		logger:     logger,
	}
}

// Guard returns the reference monitor for the session's current snapshot. A
// session with no cached roots gets a guard that denies everything.
func (s *RootsService) Guard(sess *ServerSession) RootGuard {
	return s.guardFor(sess.ID())
}

func (s *RootsService) guardFor(sessID string) RootGuard {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[sessID]; ok {
		return entry.guard
	}
	return RootGuard{}
}

// Snapshot returns the session's cached roots.
func (s *RootsService) Snapshot(sess *ServerSession) []Root {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[sess.ID()]; ok {
		roots := make([]Root, len(entry.snapshot))
		copy(roots, entry.snapshot)
		return roots
	}
	return nil
}

// Version returns the session's snapshot version; zero means no snapshot yet.
func (s *RootsService) Version(sess *ServerSession) int {
	return s.versionFor(sess.ID())
}

func (s *RootsService) versionFor(sessID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[sessID]; ok {
		return entry.version
	}
	return 0
}

// List serves a page of the session's roots from the cache, fetching from the
// client first on a cache miss. Cursors embed the snapshot version; a cursor
// minted before a refresh is rejected so the client restarts pagination.
func (s *RootsService) List(ctx context.Context, sess *ServerSession, cursor string) (ListRootsResult, error) {
	return s.list(ctx, sess, cursor)
}

func (s *RootsService) list(ctx context.Context, peer sessionPeer, cursor string) (ListRootsResult, error) {
	s.mu.Lock()
	entry, ok := s.entries[peer.ID()]
	s.mu.Unlock()

	if !ok {
		if err := s.refresh(ctx, peer); err != nil {
			return ListRootsResult{}, err
		}
		s.mu.Lock()
		entry = s.entries[peer.ID()]
		s.mu.Unlock()
	}

	offset, err := decodeRootsCursor(cursor, entry.version)
	if err != nil {
		return ListRootsResult{}, err
	}

	if offset >= len(entry.snapshot) {
		return ListRootsResult{Roots: []Root{}}, nil
	}

	end := offset + s.pageSize
	if end >= len(entry.snapshot) {
		return ListRootsResult{Roots: entry.snapshot[offset:]}, nil
	}
	return ListRootsResult{
		Roots:      entry.snapshot[offset:end],
		NextCursor: encodeRootsCursor(entry.version, end),
	}, nil
}

// onSessionOpen fetches the initial snapshot for a newly initialized session.
func (s *RootsService) onSessionOpen(ctx context.Context, peer sessionPeer) error {
	s.mu.Lock()
	s.peers[peer.ID()] = peer
	s.mu.Unlock()

	return s.refresh(ctx, peer)
}

// onListChanged starts or extends the session's debounce window. Bursts of
// list_changed notifications coalesce into a single refresh after the quiet
// period.
func (s *RootsService) onListChanged(peer sessionPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[peer.ID()] = peer
	if timer, ok := s.debouncers[peer.ID()]; ok {
		timer.Stop()
	}
	sessID := peer.ID()
	s.debouncers[sessID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.debouncers, sessID)
		p := s.peers[sessID]
		s.mu.Unlock()
		if p == nil {
			return
		}
		if err := s.refresh(context.Background(), p); err != nil {
			s.logger.Warn("failed to refresh roots after list change",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
		}
	})
}

// refresh fetches the client's full root list (paginating across calls),
// deduplicates by URI, and installs a new cache entry. The version is bumped
// only when the snapshot actually changed.
func (s *RootsService) refresh(ctx context.Context, peer sessionPeer) error {
	if peer.peerCapabilities().Roots == nil {
		return errMethodNotFound(MethodRootsList)
	}

	var roots []Root
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = ListRootsParams{Cursor: cursor}
		}
		raw, err := peer.request(ctx, MethodRootsList, params)
		if err != nil {
			return fmt.Errorf("failed to list roots: %w", err)
		}
		var page ListRootsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("failed to decode roots list: %w", err)
		}
		roots = append(roots, page.Roots...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	dedup := make(map[string]Root, len(roots))
	for _, root := range roots {
		dedup[root.URI] = root
	}
	snapshot := make([]Root, 0, len(dedup))
	for _, root := range dedup {
		snapshot = append(snapshot, root)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].URI < snapshot[j].URI })

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.entries[peer.ID()]
	if previous != nil && rootsEqual(previous.snapshot, snapshot) {
		return nil
	}

	version := 1
	if previous != nil {
		version = previous.version + 1
	}
	s.entries[peer.ID()] = &rootsEntry{
		version:  version,
		snapshot: snapshot,
		guard:    NewRootGuard(snapshot),
	}
	return nil
}

func (s *RootsService) removeSession(sessID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.debouncers[sessID]; ok {
		timer.Stop()
		delete(s.debouncers, sessID)
	}
	delete(s.entries, sessID)
	delete(s.peers, sessID)
}

func rootsEqual(a, b []Root) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
