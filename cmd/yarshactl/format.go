package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/yarsha/internal/control"
	"github.com/matheus3301/yarsha/internal/store"
)

const previewWidth = 48

func ago(ms int64, now time.Time) string {
	if ms <= 0 {
		return "-"
	}
	return humanize.RelTime(time.UnixMilli(ms), now, "ago", "from now")
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewWidth {
		return string(r[:previewWidth-1]) + "…"
	}
	return s
}

func writeReport(w io.Writer, r *control.Report) {
	_, _ = fmt.Fprintf(w, "Session:   %s (pid %d)\n", r.Session, r.PID)
	_, _ = fmt.Fprintf(w, "Uptime:    %s\n", (time.Duration(r.UptimeMs) * time.Millisecond).Round(time.Second))
	_, _ = fmt.Fprintf(w, "Chats:     %s\n", humanize.Comma(r.Chats))
	_, _ = fmt.Fprintf(w, "Messages:  %s\n", humanize.Comma(r.Messages))
	if r.Cursor != nil {
		_, _ = fmt.Fprintf(w, "Chat list: page %d of %d\n", r.Cursor.CurrentPage, r.Cursor.TotalPages)
	} else {
		_, _ = fmt.Fprintln(w, "Chat list: not synced")
	}
	if r.FailedMutations > 0 {
		_, _ = fmt.Fprintf(w, "Failed:    %d (see yarshactl mutations)\n", r.FailedMutations)
	}
	for _, s := range r.Streams {
		_, _ = fmt.Fprintf(w, "Stream:    %-24s %s\n", s.Key, s.State)
	}
}

func chatFlags(c store.Chat) string {
	var flags []string
	if c.IsPinned {
		flags = append(flags, "pinned")
	}
	if c.IsMuted {
		flags = append(flags, "muted")
	}
	return strings.Join(flags, ",")
}

func writeChats(w io.Writer, chats []store.Chat, now time.Time) {
	if len(chats) == 0 {
		_, _ = fmt.Fprintln(w, "No chats cached.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tTYPE\tFLAGS\tLAST\tPREVIEW")
	for _, c := range chats {
		last, text := c.UpdatedAt, ""
		if c.LastMessage != nil {
			last, text = c.LastMessage.CreatedAt, c.LastMessage.Content
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.GroupID, c.GroupName, c.Type, chatFlags(c), ago(last, now), preview(text))
	}
	_ = tw.Flush()
}

func messageBody(m store.Message) string {
	switch {
	case m.Transaction != nil:
		return fmt.Sprintf("[payment %s to %s]", m.Transaction.Amount, m.Transaction.Recipient)
	case len(m.Multimedia) > 0 && m.Content == "":
		md := m.Multimedia[0]
		if md.Size > 0 {
			return fmt.Sprintf("[%s %s]", m.Type, humanize.Bytes(uint64(md.Size)))
		}
		return fmt.Sprintf("[%s]", m.Type)
	}
	return preview(m.Content)
}

func writeMessages(w io.Writer, msgs []store.Message, now time.Time) {
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(w, "No messages cached.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		status := ""
		if m.Status != store.StatusSent {
			status = string(m.Status)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ago(m.CreatedAt, now), m.SenderID, messageBody(m), status)
	}
	_ = tw.Flush()
}

func writeResults(w io.Writer, results []store.SearchResult, now time.Time) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "No matches.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ChatName, ago(r.Message.CreatedAt, now), r.Message.SenderID, preview(r.Message.Content))
	}
	_ = tw.Flush()
}

func writeSync(w io.Writer, r *control.SyncResult) {
	if r.Done {
		_, _ = fmt.Fprintln(w, "Chat list fully synced.")
		return
	}
	page := "?"
	if r.Cursor != nil {
		page = fmt.Sprintf("%d/%d", r.Cursor.CurrentPage, r.Cursor.TotalPages)
	}
	upserted, unchanged := 0, 0
	if r.Result != nil {
		upserted, unchanged = len(r.Result.ChatsUpserted), r.Result.ChatsUnchanged
	}
	_, _ = fmt.Fprintf(w, "page %s: %d chats updated, %d unchanged\n", page, upserted, unchanged)
}

func writeMutations(w io.Writer, ms []store.Mutation, now time.Time) {
	if len(ms) == 0 {
		_, _ = fmt.Fprintln(w, "No failed changes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tACTION\tCHAT\tWHEN\tERROR")
	for _, m := range ms {
		revert := ""
		if m.Undo == "" {
			revert = " (not revertible)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s%s\n", m.ID, m.Action, m.ChatID, ago(m.CreatedAt, now), m.ErrorMessage, revert)
	}
	_ = tw.Flush()
}
