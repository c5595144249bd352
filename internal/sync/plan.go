package sync

import (
	"reflect"
	"sort"

	"github.com/matheus3301/yarsha/internal/store"
)

// ChatPlan is the write-set computed for the chats of a batch.
type ChatPlan struct {
	Upserts   []store.Chat
	Deletes   []string
	Unchanged int
	Stale     int
}

// PlanChats merges incoming chats into the existing snapshot. In FullSync
// mode every existing key absent from incoming is deleted. Chats identical
// to their stored version are left alone, and an incoming chat older than
// the stored one (by UpdatedAt) is ignored.
func PlanChats(existing map[string]store.Chat, incoming []store.Chat, mode Mode) ChatPlan {
	var plan ChatPlan

	latest := make(map[string]store.Chat, len(incoming))
	var order []string
	for _, c := range incoming {
		if c.GroupID == "" {
			continue
		}
		c = normalizeChat(c)
		prev, seen := latest[c.GroupID]
		if !seen {
			order = append(order, c.GroupID)
		} else if newer(prev.UpdatedAt, c.UpdatedAt) {
			continue
		}
		latest[c.GroupID] = c
	}

	for _, id := range order {
		in := latest[id]
		cur, ok := existing[id]
		if !ok {
			plan.Upserts = append(plan.Upserts, in)
			continue
		}
		cur = normalizeChat(cur)
		if newer(cur.UpdatedAt, in.UpdatedAt) {
			plan.Stale++
			continue
		}
		if cur.LastMessage != nil && (in.LastMessage == nil || cur.LastMessage.CreatedAt > in.LastMessage.CreatedAt) {
			in.LastMessage = cur.LastMessage
		}
		if reflect.DeepEqual(cur, in) {
			plan.Unchanged++
			continue
		}
		plan.Upserts = append(plan.Upserts, in)
	}

	if mode == FullSync {
		for id := range existing {
			if _, keep := latest[id]; !keep {
				plan.Deletes = append(plan.Deletes, id)
			}
		}
		sort.Strings(plan.Deletes)
	}
	return plan
}

// newer reports whether a is strictly newer than b. Zero timestamps are
// unknown and never win.
func newer(a, b int64) bool {
	return a != 0 && b != 0 && a > b
}

func normalizeChat(c store.Chat) store.Chat {
	if c.Type == "" {
		c.Type = store.ChatIndividual
	}
	if c.ParticipantIDs == nil {
		c.ParticipantIDs = []string{}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// MessageIndex resolves stored messages by any of their three ids.
type MessageIndex struct {
	rows        map[string]*store.Message // by local id
	byMessageID map[string]string
	byServerID  map[string]string
}

// NewMessageIndex indexes the given stored rows.
func NewMessageIndex(rows []store.Message) *MessageIndex {
	idx := &MessageIndex{
		rows:        make(map[string]*store.Message, len(rows)),
		byMessageID: make(map[string]string),
		byServerID:  make(map[string]string),
	}
	for i := range rows {
		m := normalizeMessage(rows[i])
		idx.put(&m)
	}
	return idx
}

func (idx *MessageIndex) put(m *store.Message) {
	idx.rows[m.LocalID] = m
	if m.MessageID != "" {
		idx.byMessageID[m.MessageID] = m.LocalID
	}
	if m.ServerID != "" {
		idx.byServerID[m.ServerID] = m.LocalID
	}
}

func (idx *MessageIndex) remove(localID string) {
	m, ok := idx.rows[localID]
	if !ok {
		return
	}
	delete(idx.rows, localID)
	if idx.byMessageID[m.MessageID] == localID {
		delete(idx.byMessageID, m.MessageID)
	}
	if idx.byServerID[m.ServerID] == localID {
		delete(idx.byServerID, m.ServerID)
	}
}

func (idx *MessageIndex) byLocal(id string) *store.Message {
	if id == "" {
		return nil
	}
	return idx.rows[id]
}

func (idx *MessageIndex) byLogical(id string) *store.Message {
	if id == "" {
		return nil
	}
	return idx.byLocal(idx.byMessageID[id])
}

func (idx *MessageIndex) byServer(id string) *store.Message {
	if id == "" {
		return nil
	}
	return idx.byLocal(idx.byServerID[id])
}

// MessagePlan is the write-set computed for the messages of a batch.
// Deletes name duplicate rows folded into a canonical row and must be
// applied before Updates.
type MessagePlan struct {
	Inserts   []store.Message
	Updates   []store.Message
	Deletes   []string
	Unchanged int
	Skipped   int
}

// PlanMessages resolves each incoming message to at most one stored row:
//
//  1. a row with the same logical id is updated in place;
//  2. else a row keyed by the incoming local id is acked;
//  3. else a row with the same server id is updated in place;
//  4. else a new row is inserted.
//
// When step 1 finds a row while the incoming local id names a different
// optimistic row, the two are collapsed into the optimistic one. The index
// is updated as planning proceeds, so duplicates inside one batch collapse
// too.
func PlanMessages(idx *MessageIndex, incoming []store.Message) MessagePlan {
	var plan MessagePlan

	const (
		opInsert = iota + 1
		opUpdate
	)
	ops := make(map[string]int)
	original := make(map[string]store.Message)
	var order []string
	record := func(m store.Message, op int) {
		if _, ok := ops[m.LocalID]; !ok {
			order = append(order, m.LocalID)
			ops[m.LocalID] = op
		}
		idx.put(&m)
	}
	rememberOriginal := func(m *store.Message) {
		if _, ok := original[m.LocalID]; !ok && ops[m.LocalID] == 0 {
			original[m.LocalID] = *m
		}
	}

	for _, in := range incoming {
		if in.ChatID == "" {
			plan.Skipped++
			continue
		}
		in = normalizeMessage(in)

		if cur := idx.byLogical(in.MessageID); cur != nil {
			if own := idx.byLocal(in.LocalID); own != nil && own.LocalID != cur.LocalID {
				rememberOriginal(own)
				merged := mergeMessage(*own, *cur)
				merged = mergeMessage(merged, in)
				dup := cur.LocalID
				idx.remove(dup)
				if ops[dup] == opInsert {
					delete(ops, dup)
				} else {
					plan.Deletes = append(plan.Deletes, dup)
					delete(ops, dup)
				}
				record(merged, opUpdate)
				continue
			}
			rememberOriginal(cur)
			record(mergeMessage(*cur, in), opUpdate)
			continue
		}
		if cur := idx.byLocal(in.LocalID); cur != nil {
			rememberOriginal(cur)
			record(ackMessage(*cur, in), opUpdate)
			continue
		}
		if cur := idx.byServer(in.ServerID); cur != nil {
			rememberOriginal(cur)
			record(mergeMessage(*cur, in), opUpdate)
			continue
		}

		in.LocalID = firstNonEmpty(in.LocalID, in.MessageID, in.ServerID)
		if in.LocalID == "" {
			plan.Skipped++
			continue
		}
		record(in, opInsert)
	}

	for _, id := range order {
		op, ok := ops[id]
		if !ok {
			continue
		}
		m := *idx.rows[id]
		switch op {
		case opInsert:
			plan.Inserts = append(plan.Inserts, m)
		case opUpdate:
			if prev, ok := original[id]; ok && reflect.DeepEqual(prev, m) {
				plan.Unchanged++
				continue
			}
			plan.Updates = append(plan.Updates, m)
		}
	}
	return plan
}

// mergeMessage folds an incoming delivery of the same logical message into
// the stored row. Local id, chat, creation time and content are preserved;
// missing ids are filled; mutable fields follow the newer side.
func mergeMessage(cur, in store.Message) store.Message {
	out := cur
	out.MessageID = firstNonEmpty(cur.MessageID, in.MessageID)
	out.ServerID = firstNonEmpty(cur.ServerID, in.ServerID)
	out.SenderID = firstNonEmpty(cur.SenderID, in.SenderID)
	out.ReplyTo = firstNonEmpty(cur.ReplyTo, in.ReplyTo)
	out.Content = firstNonEmpty(cur.Content, in.Content)
	out.Automated = cur.Automated || in.Automated
	if out.CreatedAt == 0 {
		out.CreatedAt = in.CreatedAt
	}

	if newer(cur.UpdatedAt, in.UpdatedAt) {
		return out
	}
	if len(in.Multimedia) > 0 {
		out.Multimedia = in.Multimedia
	}
	if in.Transaction != nil {
		out.Transaction = in.Transaction
	}
	out.Type = in.Type
	out.IsPinned = in.IsPinned
	out.Reactions = in.Reactions
	out.Status = mergeStatus(cur.Status, in.Status)
	if in.UpdatedAt > out.UpdatedAt {
		out.UpdatedAt = in.UpdatedAt
	}
	return out
}

// ackMessage confirms an optimistic row: ids are filled and the status
// becomes sent, content stays as written locally.
func ackMessage(cur, in store.Message) store.Message {
	out := cur
	out.ServerID = firstNonEmpty(in.ServerID, cur.ServerID)
	out.MessageID = firstNonEmpty(cur.MessageID, in.MessageID)
	out.SenderID = firstNonEmpty(cur.SenderID, in.SenderID)
	out.Automated = cur.Automated || in.Automated
	if len(out.Multimedia) == 0 {
		out.Multimedia = in.Multimedia
	}
	out.Status = mergeStatus(cur.Status, in.Status)
	if in.UpdatedAt > out.UpdatedAt {
		out.UpdatedAt = in.UpdatedAt
	}
	return out
}

// mergeStatus never moves a delivered message back to pending.
func mergeStatus(cur, in store.MessageStatus) store.MessageStatus {
	if in == store.StatusPending && cur == store.StatusSent {
		return cur
	}
	return in
}

func normalizeMessage(m store.Message) store.Message {
	if m.Status == "" {
		m.Status = store.StatusSent
	}
	if m.Multimedia == nil {
		m.Multimedia = []store.Media{}
	}
	if m.Reactions == nil {
		m.Reactions = []store.Reaction{}
	}
	if m.Transaction != nil {
		tx := *m.Transaction
		m.Transaction = &tx
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
