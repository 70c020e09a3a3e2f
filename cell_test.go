package persisted

import (
	"context"
	"errors"
	"sync"
	"testing"

	goskema "github.com/reoring/goskema"
	g "github.com/reoring/goskema/dsl"

	"github.com/goliatone/go-persisted/pkg/activity"
)

type settings struct {
	Dark bool `json:"dark"`
	Font int  `json:"font"`
}

func settingsSchema(t *testing.T) goskema.Schema[settings] {
	t.Helper()
	return g.ObjectOf[settings]().
		Field("dark", g.BoolOf[bool]()).Required().
		Field("font", g.IntOf[int]()).Required().
		UnknownStrict().
		MustBind()
}

var defaultSettings = settings{Dark: false, Font: 12}

// fakeStore is an in-memory Store with injectable failures and call counters.
type fakeStore struct {
	mu        sync.Mutex
	entries   map[string][]byte
	getErr    error
	setErr    error
	removeErr error
	gets      int
	sets      int
	removes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string][]byte{}}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	raw, ok := s.entries[key]
	return raw, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = raw
	return nil
}

func (s *fakeStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) entry(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.entries[key]
	return raw, ok
}

// fakeWatchStore adds a change feed the test drives by hand.
type fakeWatchStore struct {
	fakeStore
	watchMu  sync.Mutex
	handlers map[string][]func(ChangeEvent)
	watches  int
}

func newFakeWatchStore() *fakeWatchStore {
	return &fakeWatchStore{
		fakeStore: fakeStore{entries: map[string][]byte{}},
		handlers:  map[string][]func(ChangeEvent){},
	}
}

func (s *fakeWatchStore) Watch(key string, fn func(ChangeEvent)) (func(), error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watches++
	s.handlers[key] = append(s.handlers[key], fn)
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		s.handlers[key] = nil
	}, nil
}

func (s *fakeWatchStore) fire(event ChangeEvent) {
	s.watchMu.Lock()
	handlers := append([]func(ChangeEvent){}, s.handlers[event.Key]...)
	s.watchMu.Unlock()
	for _, fn := range handlers {
		fn(event)
	}
}

func TestNewRequiresKeyAndSchema(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, "", settingsSchema(t), defaultSettings); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := New[settings](ctx, "settings", nil, defaultSettings); err == nil {
		t.Fatal("expected error for nil schema")
	}
}

func TestSetPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if raw, ok := store.entry("settings"); !ok {
		t.Fatal("expected store entry after set")
	} else if len(raw) == 0 {
		t.Fatal("expected non-empty payload")
	}

	reloaded, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get(); got != (settings{Dark: true, Font: 14}) {
		t.Fatalf("expected persisted value after reload, got %+v", got)
	}
}

func TestNewFallsBackToDefaultWhenEmpty(t *testing.T) {
	ctx := context.Background()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(newFakeStore()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := cell.Get(); got != defaultSettings {
		t.Fatalf("expected default value, got %+v", got)
	}
}

func TestNewFailsOnCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.entries["settings"] = []byte(`{not json`)

	_, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if derr.Key != "settings" || derr.Codec != "json" {
		t.Fatalf("unexpected decode error %+v", derr)
	}
}

func TestNewFailsOnSchemaViolation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.entries["settings"] = []byte(`{"dark":"yes","font":12}`)

	_, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Key != "settings" {
		t.Fatalf("unexpected key %q", verr.Key)
	}
	if _, ok := goskema.AsIssues(verr.Err); !ok {
		t.Fatalf("expected schema issues underneath, got %v", verr.Err)
	}
}

func TestNewFailsOnStoreError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.getErr = errors.New("disk gone")

	_, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StoreError, got %v", err)
	}
	if serr.Op != "get" {
		t.Fatalf("unexpected op %q", serr.Op)
	}
}

func TestUpdateComposesWithCurrentValue(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := cell.Update(ctx, func(s settings) settings {
		s.Font += 2
		return s
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := cell.Update(ctx, func(s settings) settings {
		s.Dark = true
		return s
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := cell.Get(); got != (settings{Dark: true, Font: 14}) {
		t.Fatalf("expected composed updates, got %+v", got)
	}
	if err := cell.Update(ctx, nil); err == nil {
		t.Fatal("expected error for nil updater")
	}
}

func TestClearResetsAndRemoves(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cell.Set(ctx, settings{Dark: true, Font: 16}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := cell.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := cell.Get(); got != defaultSettings {
		t.Fatalf("expected default after clear, got %+v", got)
	}
	if _, ok := store.entry("settings"); ok {
		t.Fatal("expected entry removed")
	}

	// Clearing again is a no-op apart from notification.
	if err := cell.Clear(ctx); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestSubscribeImmediateAndOnChange(t *testing.T) {
	ctx := context.Background()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(newFakeStore()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var seen []settings
	cancel := cell.Subscribe(func(s settings) { seen = append(seen, s) })
	defer cancel()

	if len(seen) != 1 || seen[0] != defaultSettings {
		t.Fatalf("expected immediate callback with current value, got %v", seen)
	}

	next := settings{Dark: true, Font: 13}
	if err := cell.Set(ctx, next); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(seen) != 2 || seen[1] != next {
		t.Fatalf("expected change notification, got %v", seen)
	}

	cancel()
	cell.Set(ctx, settings{Font: 20})
	if len(seen) != 2 {
		t.Fatalf("expected no notification after cancel, got %v", seen)
	}
}

func TestWithoutPersistenceSkipsStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings,
		WithStore(store), WithoutPersistence())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cell.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if store.gets != 0 || store.sets != 0 || store.removes != 0 {
		t.Fatalf("expected no store traffic, got gets=%d sets=%d removes=%d",
			store.gets, store.sets, store.removes)
	}
	if store.watches != 0 {
		t.Fatalf("expected no watch registration, got %d", store.watches)
	}
}

func TestStoreWriteFailureKeepsMemoryValue(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	boom := errors.New("disk full")
	store.setErr = boom

	var notified []settings
	cancel := cell.Subscribe(func(s settings) { notified = append(notified, s) })
	defer cancel()

	next := settings{Dark: true, Font: 15}
	err = cell.Set(ctx, next)
	var serr *StoreError
	if !errors.As(err, &serr) || !errors.Is(err, boom) {
		t.Fatalf("expected *StoreError wrapping cause, got %v", err)
	}
	if got := cell.Get(); got != next {
		t.Fatalf("expected in-memory value applied, got %+v", got)
	}
	if len(notified) != 2 {
		t.Fatalf("expected subscriber to observe the value, got %v", notified)
	}
}

func TestFailedWriteDoesNotPoisonEchoGuard(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	saved := settings{Dark: true, Font: 14}
	if err := cell.Set(ctx, saved); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, _ := store.entry("settings")

	store.setErr = errors.New("disk full")
	if err := cell.Set(ctx, settings{Dark: false, Font: 10}); err == nil {
		t.Fatal("expected store error")
	}

	// The store still holds the old payload; when another context re-delivers
	// it, the diverged cell must re-apply it rather than treat it as an echo.
	store.fire(NewChangeEvent("settings", raw, false))
	if got := cell.Get(); got != saved {
		t.Fatalf("expected external payload re-applied after failed write, got %+v", got)
	}
}

func TestFailedClearDoesNotPoisonEchoGuard(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	saved := settings{Dark: true, Font: 14}
	if err := cell.Set(ctx, saved); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, _ := store.entry("settings")

	store.removeErr = errors.New("readonly fs")
	if err := cell.Clear(ctx); err == nil {
		t.Fatal("expected store error")
	}

	store.fire(NewChangeEvent("settings", raw, false))
	if got := cell.Get(); got != saved {
		t.Fatalf("expected external payload re-applied after failed clear, got %+v", got)
	}
}

func TestValidateWritesRejectsBeforeCommit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	boom := errors.New("out of range")
	schema := rejectingSchema{Schema: settingsSchema(t), err: boom}

	cell, err := New[settings](ctx, "settings", schema, defaultSettings,
		WithStore(store), WithValidateWrites())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = cell.Set(ctx, settings{Dark: true, Font: 99})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, boom) {
		t.Fatalf("expected *ValidationError wrapping cause, got %v", err)
	}
	if got := cell.Get(); got != defaultSettings {
		t.Fatalf("expected value unchanged after rejected write, got %+v", got)
	}
	if store.sets != 0 {
		t.Fatalf("expected no store write, got %d", store.sets)
	}
}

// rejectingSchema fails every write-side validation while delegating the rest.
type rejectingSchema struct {
	goskema.Schema[settings]
	err error
}

func (s rejectingSchema) ValidateValue(context.Context, settings) error {
	return s.err
}

func TestMigrationUpgradesStalePayload(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.entries["settings"] = []byte(`{"theme":"dark"}`)

	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings,
		WithStore(store),
		WithMigration(func(_ string, payload map[string]any) (map[string]any, error) {
			if theme, ok := payload["theme"]; ok {
				payload["dark"] = theme == "dark"
				payload["font"] = 12
				delete(payload, "theme")
			}
			return payload, nil
		}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := cell.Get(); got != (settings{Dark: true, Font: 12}) {
		t.Fatalf("expected migrated value, got %+v", got)
	}
}

func TestMigrationFailureIsDecodeError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.entries["settings"] = []byte(`{"dark":true,"font":12}`)

	_, err := New(ctx, "settings", settingsSchema(t), defaultSettings,
		WithStore(store),
		WithMigration(func(string, map[string]any) (map[string]any, error) {
			return nil, errors.New("unknown version")
		}))
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestExternalChangeUpdatesValue(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var seen []settings
	cancel := cell.Subscribe(func(s settings) { seen = append(seen, s) })
	defer cancel()

	store.fire(NewChangeEvent("settings", []byte(`{"dark":true,"font":18}`), false))

	want := settings{Dark: true, Font: 18}
	if got := cell.Get(); got != want {
		t.Fatalf("expected external value applied, got %+v", got)
	}
	if len(seen) != 2 || seen[1] != want {
		t.Fatalf("expected subscriber notification, got %v", seen)
	}
	if store.sets != 0 {
		t.Fatalf("external change must not be written back, got %d sets", store.sets)
	}
}

func TestExternalRemovalResetsToDefault(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}

	store.fire(NewChangeEvent("settings", nil, true))

	if got := cell.Get(); got != defaultSettings {
		t.Fatalf("expected default after external removal, got %+v", got)
	}
	if store.sets != 1 || store.removes != 0 {
		t.Fatalf("removal must not trigger store writes, got sets=%d removes=%d",
			store.sets, store.removes)
	}
}

func TestInvalidExternalChangeKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	current := settings{Dark: true, Font: 14}
	if err := cell.Set(ctx, current); err != nil {
		t.Fatalf("set: %v", err)
	}

	var handled []error
	cell2, err := New(ctx, "other", settingsSchema(t), defaultSettings,
		WithStore(store),
		WithSyncErrorHandler(func(err error) { handled = append(handled, err) }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = cell2

	store.fire(NewChangeEvent("settings", []byte(`{"dark":"nope","font":14}`), false))
	if got := cell.Get(); got != current {
		t.Fatalf("expected current value kept, got %+v", got)
	}

	store.fire(NewChangeEvent("other", []byte(`{broken`), false))
	if len(handled) != 1 {
		t.Fatalf("expected sync error handler called once, got %d", len(handled))
	}
	var derr *DecodeError
	if !errors.As(handled[0], &derr) {
		t.Fatalf("expected *DecodeError, got %v", handled[0])
	}
}

func TestOwnWriteEchoIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var notifications int
	cancel := cell.Subscribe(func(settings) { notifications++ })
	defer cancel()

	raw, _ := store.entry("settings")
	store.fire(NewChangeEvent("settings", raw, false))
	if notifications != 1 {
		t.Fatalf("expected echo suppressed, got %d notifications", notifications)
	}
}

func TestOwnClearEchoIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cell.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	var notifications int
	cancel := cell.Subscribe(func(settings) { notifications++ })
	defer cancel()

	store.fire(NewChangeEvent("settings", nil, true))
	if notifications != 1 {
		t.Fatalf("expected removal echo suppressed, got %d notifications", notifications)
	}

	// A later genuine external removal still lands.
	store.fire(NewChangeEvent("settings", nil, true))
	if notifications != 2 {
		t.Fatalf("expected genuine removal applied, got %d notifications", notifications)
	}
}

func TestEventsForOtherKeysAreIgnored(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	cell.onChange(NewChangeEvent("unrelated", []byte(`{"x":1}`), false))
	if got := cell.Get(); got != defaultSettings {
		t.Fatalf("expected value unchanged, got %+v", got)
	}
}

func TestCloseStopsMutationsAndWatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings, WithStore(store))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	last := settings{Dark: true, Font: 14}
	if err := cell.Set(ctx, last); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := cell.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cell.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := cell.Set(ctx, settings{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Set, got %v", err)
	}
	if err := cell.Update(ctx, func(s settings) settings { return s }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Update, got %v", err)
	}
	if err := cell.Clear(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Clear, got %v", err)
	}

	store.fire(NewChangeEvent("settings", []byte(`{"dark":false,"font":10}`), false))
	if got := cell.Get(); got != last {
		t.Fatalf("expected frozen value after close, got %+v", got)
	}
}

func TestActivityHooksObserveOperations(t *testing.T) {
	ctx := context.Background()
	store := newFakeWatchStore()
	hook := &activity.CaptureHook{}

	cell, err := New(ctx, "settings", settingsSchema(t), defaultSettings,
		WithStore(store), WithActivityHooks(activity.Hooks{hook}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := cell.Set(ctx, settings{Dark: true, Font: 14}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cell.Update(ctx, func(s settings) settings { return s }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := cell.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	store.fire(NewChangeEvent("settings", []byte(`{"dark":true,"font":20}`), false))

	events := hook.Recorded()
	if len(events) != 4 {
		t.Fatalf("expected four events, got %d", len(events))
	}
	wantOps := []activity.Op{activity.OpSet, activity.OpUpdate, activity.OpClear, activity.OpSync}
	for i, want := range wantOps {
		if events[i].Op != want {
			t.Fatalf("event %d: expected op %q, got %q", i, want, events[i].Op)
		}
		if events[i].Key != "settings" {
			t.Fatalf("event %d: unexpected key %q", i, events[i].Key)
		}
	}
	if events[3].Origin != activity.OriginExternal {
		t.Fatalf("expected external origin for sync, got %q", events[3].Origin)
	}
	if events[0].Origin != activity.OriginLocal {
		t.Fatalf("expected local origin for set, got %q", events[0].Origin)
	}

	hooks := cell.ActivityHooks()
	if len(hooks) != 1 {
		t.Fatalf("expected one configured hook, got %d", len(hooks))
	}
}
