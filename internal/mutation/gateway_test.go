package mutation

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/yarsha/internal/auth"
	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.uber.org/zap"
)

type fakeRemote struct {
	calls []Action
	do    func(a Action) (*Result, error)
}

func (r *fakeRemote) Do(ctx context.Context, sc session.Context, a Action) (*Result, error) {
	r.calls = append(r.calls, a)
	if r.do == nil {
		return &Result{}, nil
	}
	return r.do(a)
}

type fixture struct {
	db     *store.DB
	rec    *ysync.Reconciler
	remote *fakeRemote
	bus    *bus.Bus
	gw     *Gateway
}

var me = session.Context{Token: "tok", UserID: "me"}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	rec := ysync.NewReconciler(db, b, nil, nil, zap.NewNop())
	remote := &fakeRemote{}
	gw := NewGateway(db, rec, remote, auth.StaticProvider{Context: me}, b, nil, zap.NewNop(), opts...)
	return &fixture{db: db, rec: rec, remote: remote, bus: b, gw: gw}
}

func (f *fixture) seed(t *testing.T, b ysync.Batch) {
	t.Helper()
	if _, err := f.rec.Apply(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) chat(t *testing.T, id string) *store.Chat {
	t.Helper()
	c, err := f.db.GetChat(id)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatalf("chat %s missing", id)
	}
	return c
}

func (f *fixture) message(t *testing.T, localID string) *store.Message {
	t.Helper()
	m, err := f.db.GetMessage(localID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatalf("message %s missing", localID)
	}
	return m
}

func (f *fixture) journal(t *testing.T, status store.MutationStatus) []store.Mutation {
	t.Helper()
	ms, err := f.db.MutationsByStatus(status, 0)
	if err != nil {
		t.Fatal(err)
	}
	return ms
}

func testChat(id string) store.Chat {
	return store.Chat{GroupID: id, GroupName: "group " + id, Type: store.ChatGroup, UpdatedAt: 10}
}

func TestPinChatConfirmedByServer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})
	events, unsub := f.bus.Subscribe(bus.MutationConfirmed, 4)
	defer unsub()

	f.remote.do = func(a Action) (*Result, error) {
		if !f.chat(t, "c1").IsPinned {
			t.Error("chat not pinned before the remote call")
		}
		server := testChat("c1")
		server.IsPinned = true
		server.PinnedAt = 777
		server.UpdatedAt = 20
		return &Result{Chat: &server}, nil
	}

	if err := f.gw.PinChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	c := f.chat(t, "c1")
	if !c.IsPinned || c.PinnedAt != 777 {
		t.Errorf("chat = pinned %v at %d, want server pin time 777", c.IsPinned, c.PinnedAt)
	}
	if len(f.remote.calls) != 1 || f.remote.calls[0].Kind != PinChat {
		t.Errorf("calls = %+v", f.remote.calls)
	}
	if got := f.journal(t, store.MutationConfirmed); len(got) != 1 || got[0].Action != string(PinChat) {
		t.Errorf("confirmed journal = %+v", got)
	}
	select {
	case evt := <-events:
		if evt.Payload.(bus.MutationResult).ChatID != "c1" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Error("no confirmation event")
	}
}

func TestFailedChatFlagStaysUntilReverted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})
	boom := errors.New("rpc rejected")
	f.remote.do = func(Action) (*Result, error) { return nil, boom }

	err := f.gw.MuteChat(context.Background(), "c1")
	var nc *NotConfirmedError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want NotConfirmedError", err)
	}
	if nc.Action != MuteChat || nc.Local != true || !errors.Is(err, boom) {
		t.Errorf("error = %+v", nc)
	}
	if !f.chat(t, "c1").IsMuted {
		t.Error("optimistic mute was rolled back automatically")
	}
	if got := f.journal(t, store.MutationFailed); len(got) != 1 || got[0].ErrorMessage != "rpc rejected" {
		t.Errorf("failed journal = %+v", got)
	}

	if err := f.gw.Revert(context.Background(), nc.MutationID); err != nil {
		t.Fatal(err)
	}
	if f.chat(t, "c1").IsMuted {
		t.Error("revert did not restore the mute flag")
	}
	if err := f.gw.Revert(context.Background(), nc.MutationID); !errors.Is(err, ErrNotRevertible) {
		t.Errorf("second revert = %v, want ErrNotRevertible", err)
	}
}

func TestChatActionOnUnknownChat(t *testing.T) {
	f := newFixture(t)
	if err := f.gw.PinChat(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if len(f.remote.calls) != 0 || len(f.journal(t, store.MutationPending)) != 0 {
		t.Error("unknown chat reached the journal or the remote")
	}
}

func TestActionsRequireCredentials(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})
	f.gw.creds = auth.StaticProvider{}

	if err := f.gw.MuteChat(context.Background(), "c1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Errorf("err = %v", err)
	}
	if f.chat(t, "c1").IsMuted {
		t.Error("optimistic write applied without credentials")
	}
}

func TestDeleteChatIsNotRevertible(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})
	f.remote.do = func(Action) (*Result, error) { return nil, errors.New("offline") }

	err := f.gw.DeleteChat(context.Background(), "c1")
	var nc *NotConfirmedError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v", err)
	}
	if c, _ := f.db.GetChat("c1"); c != nil {
		t.Error("chat not deleted optimistically")
	}
	if err := f.gw.Revert(context.Background(), nc.MutationID); !errors.Is(err, ErrNotRevertible) {
		t.Errorf("revert = %v, want ErrNotRevertible", err)
	}
}

func TestSendMessageAckedByServer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	f.remote.do = func(a Action) (*Result, error) {
		pending := f.message(t, a.Target)
		if pending.Status != store.StatusPending {
			t.Errorf("status during call = %s, want pending", pending.Status)
		}
		if a.Payload["localId"] != a.Target {
			t.Errorf("payload = %+v", a.Payload)
		}
		// The stream echo lands before the response does.
		f.seed(t, ysync.Batch{Source: ysync.SourceStream, Messages: []store.Message{
			{MessageID: "m1", ServerID: "s1", ChatID: "c1", SenderID: "me", Content: "hello", CreatedAt: pending.CreatedAt + 5, Automated: true},
		}})
		return &Result{Message: &store.Message{MessageID: "m1", ServerID: "s1", ChatID: "c1", Content: "hello"}}, nil
	}

	msg, err := f.gw.SendMessage(context.Background(), "c1", "hello", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusSent || msg.ServerID != "s1" || msg.MessageID != "m1" {
		t.Errorf("sent message = %+v", msg)
	}
	if msg.Type != store.TypeText || msg.SenderID != "me" {
		t.Errorf("type/sender = %s/%s", msg.Type, msg.SenderID)
	}

	msgs, err := f.db.ListMessages("c1", 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].LocalID != msg.LocalID {
		t.Errorf("messages = %+v, want only the acked optimistic row", msgs)
	}
	if err := f.db.CheckMessageIdentity(); err != nil {
		t.Error(err)
	}
}

func TestSendMessageFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})
	f.remote.do = func(Action) (*Result, error) { return nil, errors.New("timeout") }

	msg, err := f.gw.SendMessage(context.Background(), "c1", "hello", SendOptions{})
	var nc *NotConfirmedError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want NotConfirmedError", err)
	}
	local, ok := nc.Local.(store.Message)
	if !ok || local.Status != store.StatusFailed || local.LocalID != msg.LocalID {
		t.Errorf("local state = %+v", nc.Local)
	}
	if got := f.message(t, msg.LocalID); got.Status != store.StatusFailed || got.Content != "hello" {
		t.Errorf("stored = %+v", got)
	}
	if err := f.gw.Revert(context.Background(), nc.MutationID); !errors.Is(err, ErrNotRevertible) {
		t.Errorf("revert send = %v, want ErrNotRevertible", err)
	}
}

func TestSendMessageWithoutEchoIsSent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	msg, err := f.gw.SendMessage(context.Background(), "c1", "hi", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != store.StatusSent {
		t.Errorf("status = %s, want sent", msg.Status)
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gw.SendMessage(context.Background(), "c1", "", SendOptions{}); err == nil {
		t.Error("expected error for empty message")
	}
}

type fakeUploader struct {
	err  error
	body string
}

func (u *fakeUploader) Upload(ctx context.Context, f File) (store.Media, error) {
	if u.err != nil {
		return store.Media{}, u.err
	}
	data, _ := io.ReadAll(f.Body)
	u.body = string(data)
	return store.Media{FilePath: "media/" + f.Name, URL: "https://cdn.example/" + f.Name, Size: f.Size}, nil
}

func TestSendMedia(t *testing.T) {
	up := &fakeUploader{}
	f := newFixture(t, WithUploader(up))
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	msg, err := f.gw.SendMedia(context.Background(), "c1", "look", File{
		Name: "cat.png", MimeType: "image/png", Size: 3, Body: strings.NewReader("png"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if up.body != "png" {
		t.Errorf("uploaded body = %q", up.body)
	}
	if msg.Type != store.TypeImage || len(msg.Multimedia) != 1 || msg.Multimedia[0].MimeType != "image/png" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMediaUploadFailureWritesNothing(t *testing.T) {
	f := newFixture(t, WithUploader(&fakeUploader{err: errors.New("bucket gone")}))
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	if _, err := f.gw.SendMedia(context.Background(), "c1", "", File{Name: "a.png", Body: strings.NewReader("")}); err == nil {
		t.Fatal("expected upload error")
	}
	if n, _ := f.db.MessageCount(); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if len(f.remote.calls) != 0 {
		t.Error("remote called after failed upload")
	}
}

func TestSendMediaDisabled(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gw.SendMedia(context.Background(), "c1", "", File{}); !errors.Is(err, ErrUploadsDisabled) {
		t.Errorf("err = %v", err)
	}
}

type fakePayer struct{}

func (fakePayer) Pay(ctx context.Context, sc session.Context, recipient, amount, token string) (string, error) {
	return "sig-" + recipient + "-" + amount, nil
}

func TestSendPayment(t *testing.T) {
	f := newFixture(t, WithPayer(fakePayer{}))
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	msg, err := f.gw.SendPayment(context.Background(), "c1", "addr1", "2.5", "USDC")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != store.TypeTransaction || msg.Transaction == nil || msg.Transaction.Signature != "sig-addr1-2.5" {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(msg.Content, `"signature":"sig-addr1-2.5"`) {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSendPaymentDisabled(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gw.SendPayment(context.Background(), "c1", "a", "1", ""); !errors.Is(err, ErrPaymentsDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestPinMessageIsFieldScoped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{
		Chats: []store.Chat{testChat("c1")},
		Messages: []store.Message{
			{MessageID: "m1", ServerID: "s1", ChatID: "c1", Content: "one", CreatedAt: 1},
			{MessageID: "m2", ServerID: "s2", ChatID: "c1", Content: "two", CreatedAt: 2},
		},
	})
	before := *f.message(t, "m2")

	if err := f.gw.PinMessage(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !f.message(t, "m1").IsPinned {
		t.Error("message not pinned")
	}
	if f.remote.calls[0].Target != "s1" {
		t.Errorf("remote target = %q, want server id", f.remote.calls[0].Target)
	}
	after := *f.message(t, "m2")
	if after.IsPinned != before.IsPinned || after.Content != before.Content || after.UpdatedAt != before.UpdatedAt {
		t.Error("pin touched another message")
	}
}

func TestReactReplacesOwnReaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{
		Chats: []store.Chat{testChat("c1")},
		Messages: []store.Message{{MessageID: "m1", ChatID: "c1", Content: "x", CreatedAt: 1, Reactions: []store.Reaction{
			{UserID: "me", Emoji: "👍"},
			{UserID: "other", Emoji: "🎉"},
		}}},
	})

	if err := f.gw.ReactToMessage(context.Background(), "m1", "❤️"); err != nil {
		t.Fatal(err)
	}
	got := f.message(t, "m1").Reactions
	if len(got) != 2 || got[0].UserID != "other" || got[1].Emoji != "❤️" {
		t.Errorf("reactions = %+v", got)
	}
}

func TestParticipantsRevertRestoresList(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{
		Chats: []store.Chat{testChat("c1")},
		Participants: []ysync.ParticipantsPatch{{ChatID: "c1", Replace: true, Upsert: []store.Participant{
			{ChatID: "c1", ID: "me", Role: store.RoleCreator},
			{ChatID: "c1", ID: "u1", Role: store.RoleMember},
		}}},
	})

	if err := f.gw.AddParticipants(context.Background(), "c1", []string{"u2"}); err != nil {
		t.Fatal(err)
	}
	ps, _ := f.db.Participants("c1")
	if len(ps) != 3 {
		t.Fatalf("participants after add = %+v", ps)
	}

	f.remote.do = func(Action) (*Result, error) { return nil, errors.New("forbidden") }
	err := f.gw.RemoveParticipants(context.Background(), "c1", []string{"u1", "u2"})
	var nc *NotConfirmedError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v", err)
	}
	ps, _ = f.db.Participants("c1")
	if len(ps) != 1 {
		t.Errorf("participants after optimistic remove = %+v", ps)
	}

	if err := f.gw.Revert(context.Background(), nc.MutationID); err != nil {
		t.Fatal(err)
	}
	ps, _ = f.db.Participants("c1")
	if len(ps) != 3 {
		t.Errorf("participants after revert = %+v", ps)
	}
	if ids := f.chat(t, "c1").ParticipantIDs; len(ids) != 3 {
		t.Errorf("participant ids = %v", ids)
	}
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{Chats: []store.Chat{testChat("c1")}})

	if err := f.gw.MarkSeen(context.Background(), "c1", 4); err != nil {
		t.Fatal(err)
	}
	if err := f.gw.MarkSeen(context.Background(), "c1", 9); err != nil {
		t.Fatal(err)
	}
	seen, err := f.db.SeenDetails("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].ParticipantID != "me" || seen[0].SeenCount != 9 {
		t.Errorf("seen = %+v", seen)
	}
}

func TestSweeperFailsAbandonedSends(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ysync.Batch{
		Chats:    []store.Chat{testChat("c1")},
		Messages: []store.Message{{LocalID: "L1", ChatID: "c1", Content: "stuck", CreatedAt: 1, Status: store.StatusPending}},
	})
	old := time.Now().Add(-time.Hour).UnixMilli()
	if err := f.db.RecordMutation(&store.Mutation{ID: "mut-old", Action: string(SendMessage), ChatID: "c1", Target: "L1", Payload: "{}", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.RecordMutation(&store.Mutation{ID: "mut-new", Action: string(MuteChat), ChatID: "c1", Target: "c1", Payload: "{}"}); err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(f.db, f.rec, f.bus, zap.NewNop(), time.Minute, 10*time.Minute)
	if n := s.Sweep(context.Background()); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if got := f.message(t, "L1").Status; got != store.StatusFailed {
		t.Errorf("abandoned send status = %s, want failed", got)
	}
	m, err := f.db.GetMutation("mut-old")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MutationFailed || m.ErrorMessage != ErrAbandoned {
		t.Errorf("journal = %+v", m)
	}
	if m, _ := f.db.GetMutation("mut-new"); m.Status != store.MutationPending {
		t.Errorf("recent mutation swept: %+v", m)
	}
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(f.db, f.rec, nil, zap.NewNop(), 10*time.Millisecond, time.Minute)
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
