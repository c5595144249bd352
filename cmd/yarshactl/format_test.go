package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/yarsha/internal/control"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	ysync "github.com/matheus3301/yarsha/internal/sync"
)

func TestAgo(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	if got := ago(0, now); got != "-" {
		t.Errorf("ago(0) = %q", got)
	}
	if got := ago(now.Add(-5*time.Minute).UnixMilli(), now); got != "5 minutes ago" {
		t.Errorf("ago(-5m) = %q", got)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("  hello\n  world "); got != "hello world" {
		t.Errorf("preview = %q", got)
	}
	long := strings.Repeat("é", previewWidth+10)
	got := []rune(preview(long))
	if len(got) != previewWidth || got[len(got)-1] != '…' {
		t.Errorf("preview length = %d", len(got))
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	writeReport(&buf, &control.Report{
		Session:         "main",
		PID:             9,
		UptimeMs:        61_500,
		Chats:           1234,
		Messages:        5,
		FailedMutations: 2,
		Streams:         []stream.Info{{Key: "chat-list", State: "STREAMING"}},
	})
	out := buf.String()
	for _, want := range []string{"main (pid 9)", "1m2s", "1,234", "not synced", "Failed:    2", "chat-list"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestWriteChats(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var buf bytes.Buffer
	writeChats(&buf, []store.Chat{{
		GroupID:   "g1",
		GroupName: "team",
		Type:      store.ChatGroup,
		IsPinned:  true,
		IsMuted:   true,
		LastMessage: &store.LastMessage{
			Content:   "see you\ntomorrow",
			CreatedAt: now.Add(-2 * time.Hour).UnixMilli(),
		},
	}}, now)
	out := buf.String()
	for _, want := range []string{"g1", "team", "pinned,muted", "2 hours ago", "see you tomorrow"} {
		if !strings.Contains(out, want) {
			t.Errorf("chats missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeChats(&buf, nil, now)
	if !strings.Contains(buf.String(), "No chats") {
		t.Errorf("empty chats = %q", buf.String())
	}
}

func TestMessageBody(t *testing.T) {
	tests := []struct {
		name string
		msg  store.Message
		want string
	}{
		{"text", store.Message{Content: "hi", Type: store.TypeText}, "hi"},
		{"media with size", store.Message{Type: store.TypeImage, Multimedia: []store.Media{{Size: 12000}}}, "[image 12 kB]"},
		{"media", store.Message{Type: store.TypeFile, Multimedia: []store.Media{{}}}, "[file]"},
		{"caption wins", store.Message{Content: "look", Type: store.TypeImage, Multimedia: []store.Media{{}}}, "look"},
		{"payment", store.Message{Type: store.TypeTransaction, Transaction: &store.Transaction{Amount: "1.5", Recipient: "abc"}}, "[payment 1.5 to abc]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageBody(tt.msg); got != tt.want {
				t.Errorf("messageBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteSync(t *testing.T) {
	var buf bytes.Buffer
	writeSync(&buf, &control.SyncResult{
		Result: &ysync.Result{ChatsUpserted: []string{"a", "b"}, ChatsUnchanged: 1},
		Cursor: &store.PaginationCursor{CurrentPage: 1, TotalPages: 3},
	})
	writeSync(&buf, &control.SyncResult{Done: true})
	want := "page 1/3: 2 chats updated, 1 unchanged\nChat list fully synced.\n"
	if buf.String() != want {
		t.Errorf("sync output = %q", buf.String())
	}
}

func TestWriteMutations(t *testing.T) {
	var buf bytes.Buffer
	writeMutations(&buf, []store.Mutation{
		{ID: "m1", Action: "mute_chat", ChatID: "g1", ErrorMessage: "offline", Undo: `{"muted":false}`},
		{ID: "m2", Action: "delete_chat", ChatID: "g2", ErrorMessage: "offline"},
	}, time.Now())
	out := buf.String()
	if !strings.Contains(out, "m1") || strings.Count(out, "not revertible") != 1 {
		t.Errorf("mutations:\n%s", out)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd("test")
	for _, path := range [][]string{
		{"status"}, {"chats"}, {"messages"}, {"search"}, {"sync"},
		{"mutations", "revert"}, {"send"}, {"pin"}, {"unmute"}, {"refresh"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}
