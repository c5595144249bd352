package stream

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/yarsha/internal/auth"
	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/status"
	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.uber.org/zap"
)

type fakeReceiver struct {
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		events: make(chan Event, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (r *fakeReceiver) Recv() (Event, error) {
	select {
	case ev := <-r.events:
		return ev, nil
	case err := <-r.errs:
		return Event{}, err
	case <-r.done:
		return Event{}, io.EOF
	}
}

func (r *fakeReceiver) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	opened  []*fakeReceiver
	openErr error
	lastSC  session.Context
}

func (s *fakeSource) Open(ctx context.Context, sc session.Context, kind Kind, params Params) (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.lastSC = sc
	r := newFakeReceiver()
	s.opened = append(s.opened, r)
	return r, nil
}

func (s *fakeSource) receiver(t *testing.T, i int) *fakeReceiver {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.opened) {
		t.Fatalf("receiver %d not opened (have %d)", i, len(s.opened))
	}
	return s.opened[i]
}

type recordingApplier struct {
	mu      sync.Mutex
	batches []ysync.Batch
	block   chan struct{}
}

func (a *recordingApplier) Apply(ctx context.Context, b ysync.Batch) (*ysync.Result, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, b)
	return &ysync.Result{}, nil
}

func (a *recordingApplier) snapshot() []ysync.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ysync.Batch(nil), a.batches...)
}

var testCreds = auth.StaticProvider{Context: session.Context{Token: "tok", UserID: "me"}}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageEvent(id string) Event {
	return Event{Type: EventMessage, Batch: ysync.Batch{
		Messages: []store.Message{{MessageID: id, ChatID: "c1", Content: id}},
	}}
}

func newTestManager(src Source, applier Applier, b *bus.Bus) *Manager {
	return NewManager(src, testCreds, applier, b, nil, zap.NewNop())
}

func TestSessionDispatchesInArrivalOrder(t *testing.T) {
	src := &fakeSource{}
	applier := &recordingApplier{}
	m := newTestManager(src, applier, nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Key() != "messages:c1" {
		t.Errorf("key = %q", s.Key())
	}
	if src.lastSC.Token != "tok" {
		t.Errorf("session context not passed to source: %+v", src.lastSC)
	}

	r := src.receiver(t, 0)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		r.events <- messageEvent(id)
	}
	eventually(t, "four dispatches", func() bool { return len(applier.snapshot()) == 4 })

	for i, b := range applier.snapshot() {
		want := []string{"m1", "m2", "m3", "m4"}[i]
		if got := b.Messages[0].MessageID; got != want {
			t.Errorf("dispatch %d = %s, want %s", i, got, want)
		}
		if b.Source != ysync.SourceStream || b.Mode != ysync.Incremental {
			t.Errorf("dispatch %d source/mode = %s/%s", i, b.Source, b.Mode)
		}
	}
	if s.State() != status.Streaming {
		t.Errorf("state = %s, want STREAMING", s.State())
	}
}

func TestChatListFirstSnapshotIsFullSync(t *testing.T) {
	src := &fakeSource{}
	applier := &recordingApplier{}
	m := newTestManager(src, applier, nil)
	defer m.CloseAll()

	if _, err := m.Open(context.Background(), ChatList, Params{}); err != nil {
		t.Fatal(err)
	}
	r := src.receiver(t, 0)
	r.events <- Event{Type: EventChatList, Batch: ysync.Batch{Chats: []store.Chat{{GroupID: "a"}}}}
	r.events <- Event{Type: EventChatList, Batch: ysync.Batch{Chats: []store.Chat{{GroupID: "b"}}}}
	eventually(t, "two dispatches", func() bool { return len(applier.snapshot()) == 2 })

	got := applier.snapshot()
	if got[0].Mode != ysync.FullSync {
		t.Errorf("first chat list mode = %s, want full-sync", got[0].Mode)
	}
	if got[1].Mode != ysync.Incremental {
		t.Errorf("second chat list mode = %s, want incremental", got[1].Mode)
	}
}

func TestMessagesStreamChatListIsIncremental(t *testing.T) {
	src := &fakeSource{}
	applier := &recordingApplier{}
	m := newTestManager(src, applier, nil)
	defer m.CloseAll()

	if _, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	src.receiver(t, 0).events <- Event{Type: EventChatList, Batch: ysync.Batch{Mode: ysync.FullSync}}
	eventually(t, "dispatch", func() bool { return len(applier.snapshot()) == 1 })
	if applier.snapshot()[0].Mode != ysync.Incremental {
		t.Error("a per-chat stream must never full-sync the chat list")
	}
}

func TestCloseStopsDispatch(t *testing.T) {
	src := &fakeSource{}
	applier := &recordingApplier{block: make(chan struct{})}
	m := newTestManager(src, applier, nil)

	s, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	r := src.receiver(t, 0)
	r.events <- messageEvent("in-flight")
	r.events <- messageEvent("queued")
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = m.Close(Messages, Params{ChatID: "c1"})
		close(closed)
	}()
	// Close waits for the in-flight dispatch.
	select {
	case <-closed:
		t.Fatal("Close returned while a dispatch was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(applier.block)
	<-closed

	got := applier.snapshot()
	if len(got) != 1 || got[0].Messages[0].MessageID != "in-flight" {
		t.Errorf("dispatches after close = %+v, want only the in-flight one", got)
	}
	if !s.Closed() || s.State() != status.Closed {
		t.Errorf("state = %s closed=%v", s.State(), s.Closed())
	}
	if err := s.Reconnect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reconnect after close = %v, want ErrClosed", err)
	}
	if _, ok := m.Get(s.Key()); ok {
		t.Error("closed session still registered")
	}
}

func TestDisconnectThenReconnectResumes(t *testing.T) {
	src := &fakeSource{}
	applier := &recordingApplier{}
	b := bus.New()
	disconnects, unsub := b.Subscribe(bus.StreamDisconnected, 4)
	defer unsub()

	m := newTestManager(src, applier, b)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), ChatList, Params{})
	if err != nil {
		t.Fatal(err)
	}
	src.receiver(t, 0).errs <- errors.New("connection reset")

	select {
	case evt := <-disconnects:
		change := evt.Payload.(bus.StreamChange)
		if change.Key != "chat-list" || change.Err == nil {
			t.Errorf("disconnect payload = %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
	eventually(t, "disconnected state", func() bool { return s.State() == status.Disconnected })

	if err := m.Reconnect(context.Background(), s.Key()); err != nil {
		t.Fatal(err)
	}
	r := src.receiver(t, 1)
	r.events <- Event{Type: EventChatList, Batch: ysync.Batch{Chats: []store.Chat{{GroupID: "a"}}}}
	eventually(t, "dispatch after reconnect", func() bool { return len(applier.snapshot()) == 1 })

	if applier.snapshot()[0].Mode != ysync.FullSync {
		t.Error("first chat list after reconnect should be a full sync")
	}
	if s.State() != status.Streaming {
		t.Errorf("state = %s, want STREAMING", s.State())
	}
}

func TestReconnectIsNoopWhileStreaming(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, &recordingApplier{}, nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), ChatList, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.mu.Lock()
	n := len(src.opened)
	src.mu.Unlock()
	if n != 1 {
		t.Errorf("opened %d subscriptions, want 1", n)
	}
}

func TestManagerReusesOpenSession(t *testing.T) {
	src := &fakeSource{}
	m := newTestManager(src, &recordingApplier{}, nil)
	defer m.CloseAll()

	a, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second Open created a new session")
	}
	if _, err := m.Open(context.Background(), Messages, Params{ChatID: "c2"}); err != nil {
		t.Fatal(err)
	}

	infos := m.Sessions()
	if len(infos) != 2 || infos[0].Key != "messages:c1" || infos[1].Key != "messages:c2" {
		t.Errorf("sessions = %+v", infos)
	}
}

func TestManagerOpenFailureDiscardsSession(t *testing.T) {
	src := &fakeSource{openErr: errors.New("unreachable")}
	m := newTestManager(src, &recordingApplier{}, nil)

	if _, err := m.Open(context.Background(), ChatList, Params{}); err == nil {
		t.Fatal("expected open error")
	}
	if len(m.Sessions()) != 0 {
		t.Errorf("failed session kept: %+v", m.Sessions())
	}
}

func TestManagerOpenRequiresCredentials(t *testing.T) {
	m := NewManager(&fakeSource{}, auth.StaticProvider{}, &recordingApplier{}, nil, nil, zap.NewNop())
	_, err := m.Open(context.Background(), ChatList, Params{})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestMessagesStreamRequiresChatID(t *testing.T) {
	m := newTestManager(&fakeSource{}, &recordingApplier{}, nil)
	if _, err := m.Open(context.Background(), Messages, Params{}); err == nil {
		t.Error("expected error for messages stream without chat id")
	}
}

func TestCloseUnknownStreamIsNoop(t *testing.T) {
	m := newTestManager(&fakeSource{}, &recordingApplier{}, nil)
	if err := m.Close(Messages, Params{ChatID: "nope"}); err != nil {
		t.Error(err)
	}
}

func TestStreamPinEventReachesStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	rec := ysync.NewReconciler(db, nil, nil, nil, zap.NewNop())

	src := &fakeSource{}
	m := newTestManager(src, rec, nil)
	defer m.CloseAll()

	if _, err := m.Open(context.Background(), Messages, Params{ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	r := src.receiver(t, 0)
	r.events <- Event{Type: EventMessage, Batch: ysync.Batch{
		Messages: []store.Message{
			{MessageID: "m1", ChatID: "c1", Content: "one", CreatedAt: 1},
			{MessageID: "m2", ChatID: "c1", Content: "two", CreatedAt: 2},
		},
	}}
	r.events <- Event{Type: EventPinned, Batch: ysync.Batch{
		Pins: []ysync.PinPatch{{MessageRef: "m1", Pinned: true}},
	}}

	eventually(t, "pin applied", func() bool {
		msg, err := db.GetMessage("m1")
		return err == nil && msg != nil && msg.IsPinned
	})
	other, err := db.GetMessage("m2")
	if err != nil {
		t.Fatal(err)
	}
	if other.IsPinned {
		t.Error("pin leaked to another message")
	}
}
