package sync

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/metrics"
	"github.com/matheus3301/yarsha/internal/store"
	"go.uber.org/zap"
)

// Reconciler is the single funnel through which remote records and local
// optimistic writes reach the store. Each Apply runs in one transaction.
type Reconciler struct {
	db         *store.DB
	bus        *bus.Bus
	metrics    *metrics.Collectors
	classifier *Classifier
	logger     *zap.Logger
}

// NewReconciler creates a reconciler. bus, metrics and classifier may be nil.
func NewReconciler(db *store.DB, b *bus.Bus, m *metrics.Collectors, c *Classifier, logger *zap.Logger) *Reconciler {
	if c == nil {
		c = MustClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, metrics: m, classifier: c, logger: logger}
}

// Classifier returns the classifier applied to every written message.
func (r *Reconciler) Classifier() *Classifier {
	return r.classifier
}

// Apply writes the batch atomically. On error nothing is written.
func (r *Reconciler) Apply(ctx context.Context, b Batch) (*Result, error) {
	res := &Result{}
	err := r.db.Transaction(ctx, func(tx *store.Tx) error {
		return r.apply(tx, &b, res)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s %s batch: %w", b.Source, b.Mode, err)
	}

	r.publish(res)
	r.metrics.BatchApplied(string(b.Source), b.Mode.String())
	r.metrics.RowsWritten("chat", "upsert", len(res.ChatsUpserted))
	r.metrics.RowsWritten("chat", "delete", len(res.ChatsDeleted))
	r.metrics.RowsWritten("message", "insert", len(res.MessagesInserted))
	r.metrics.RowsWritten("message", "update", len(res.MessagesUpdated))
	r.metrics.RowsWritten("seen", "replace", res.SeenWritten)
	r.logger.Debug("batch applied",
		zap.String("source", string(b.Source)),
		zap.Stringer("mode", b.Mode),
		zap.Int("chats_upserted", len(res.ChatsUpserted)),
		zap.Int("chats_deleted", len(res.ChatsDeleted)),
		zap.Int("chats_unchanged", res.ChatsUnchanged),
		zap.Int("messages_inserted", len(res.MessagesInserted)),
		zap.Int("messages_updated", len(res.MessagesUpdated)),
		zap.Int("patches", res.PatchesApplied),
		zap.Int("patches_missed", res.PatchesMissed),
	)
	return res, nil
}

func (r *Reconciler) apply(tx *store.Tx, b *Batch, res *Result) error {
	for _, id := range b.DeleteChats {
		deleted, err := tx.DeleteChat(id)
		if err != nil {
			return err
		}
		if deleted {
			res.ChatsDeleted = append(res.ChatsDeleted, id)
		}
	}

	if err := r.applyChats(tx, b, res); err != nil {
		return err
	}
	if err := r.applyMessages(tx, b.Messages, res); err != nil {
		return err
	}
	if err := r.applyAcks(tx, b.Acks, res); err != nil {
		return err
	}
	if err := r.applyMessagePatches(tx, b, res); err != nil {
		return err
	}
	if err := r.applyChatFlags(tx, b.ChatFlags, res); err != nil {
		return err
	}
	if err := r.applyParticipants(tx, b.Participants, res); err != nil {
		return err
	}
	if err := r.applySeen(tx, b.Seen, res); err != nil {
		return err
	}
	if b.Cursor != nil {
		if err := tx.ReplaceCursor(b.Cursor); err != nil {
			return err
		}
		res.CursorReplaced = true
	}
	return r.advanceLastMessages(tx, res)
}

func (r *Reconciler) applyChats(tx *store.Tx, b *Batch, res *Result) error {
	if len(b.Chats) == 0 && b.Mode != FullSync {
		return nil
	}
	var ids []string
	if b.Mode != FullSync {
		ids = make([]string, 0, len(b.Chats))
		for _, c := range b.Chats {
			ids = append(ids, c.GroupID)
		}
	}
	existing, err := tx.Chats(ids)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	plan := PlanChats(existing, b.Chats, b.Mode)
	for _, id := range plan.Deletes {
		if _, err := tx.DeleteChat(id); err != nil {
			return err
		}
		res.ChatsDeleted = append(res.ChatsDeleted, id)
	}
	for i := range plan.Upserts {
		if err := tx.UpsertChat(&plan.Upserts[i]); err != nil {
			return err
		}
		res.ChatsUpserted = append(res.ChatsUpserted, plan.Upserts[i].GroupID)
	}
	res.ChatsUnchanged = plan.Unchanged + plan.Stale
	return nil
}

func (r *Reconciler) applyMessages(tx *store.Tx, msgs []store.Message, res *Result) error {
	if len(msgs) == 0 {
		return nil
	}
	incoming := make([]store.Message, len(msgs))
	var messageIDs, localIDs, serverIDs []string
	for i, m := range msgs {
		r.classifier.Classify(&m)
		incoming[i] = m
		if m.MessageID != "" {
			messageIDs = append(messageIDs, m.MessageID)
			localIDs = append(localIDs, m.MessageID)
		}
		if m.ServerID != "" {
			serverIDs = append(serverIDs, m.ServerID)
			localIDs = append(localIDs, m.ServerID)
		}
		if m.LocalID != "" {
			localIDs = append(localIDs, m.LocalID)
		}
	}
	stored, err := tx.LookupMessages(messageIDs, localIDs, serverIDs)
	if err != nil {
		return err
	}

	plan := PlanMessages(NewMessageIndex(stored), incoming)
	res.MessagesSkipped = plan.Skipped

	for _, id := range plan.Deletes {
		if err := tx.DeleteMessage(id); err != nil {
			return err
		}
		res.MessagesMerged = append(res.MessagesMerged, id)
	}
	ensured := make(map[string]bool)
	write := func(m *store.Message) error {
		// The merged row may carry content or media the delivery lacked.
		r.classifier.Classify(m)
		if !ensured[m.ChatID] {
			if err := tx.EnsureChat(m.ChatID); err != nil {
				return err
			}
			ensured[m.ChatID] = true
		}
		res.touchMessage(m.ChatID, m.LocalID)
		return tx.UpsertMessage(m)
	}
	for i := range plan.Updates {
		if err := write(&plan.Updates[i]); err != nil {
			return err
		}
		res.MessagesUpdated = append(res.MessagesUpdated, plan.Updates[i].LocalID)
	}
	for i := range plan.Inserts {
		if err := write(&plan.Inserts[i]); err != nil {
			return err
		}
		res.MessagesInserted = append(res.MessagesInserted, plan.Inserts[i].LocalID)
	}
	return nil
}

func (r *Reconciler) applyAcks(tx *store.Tx, acks []AckPatch, res *Result) error {
	for _, a := range acks {
		m, err := tx.MessageByLocalID(a.LocalID)
		if err != nil {
			return err
		}
		if m == nil {
			res.PatchesMissed++
			continue
		}
		// A fan-out copy may have landed before the ack; fold it in.
		for _, dup := range []struct {
			find func(string) (*store.Message, error)
			ref  string
		}{{tx.MessageByMessageID, a.MessageID}, {tx.MessageByServerID, a.ServerID}} {
			other, err := dup.find(dup.ref)
			if err != nil {
				return err
			}
			if other == nil || other.LocalID == m.LocalID {
				continue
			}
			merged := mergeMessage(normalizeMessage(*m), normalizeMessage(*other))
			m = &merged
			if err := tx.DeleteMessage(other.LocalID); err != nil {
				return err
			}
			res.MessagesMerged = append(res.MessagesMerged, other.LocalID)
		}

		acked := ackMessage(*m, store.Message{ServerID: a.ServerID, MessageID: a.MessageID, Status: store.StatusSent})
		if err := tx.UpsertMessage(&acked); err != nil {
			return err
		}
		res.touchMessage(acked.ChatID, acked.LocalID)
		res.MessagesUpdated = append(res.MessagesUpdated, acked.LocalID)
		res.PatchesApplied++
	}
	return nil
}

func (r *Reconciler) applyMessagePatches(tx *store.Tx, b *Batch, res *Result) error {
	resolve := func(ref string) (*store.Message, error) {
		m, err := tx.ResolveMessage(ref)
		if err == nil && m == nil {
			res.PatchesMissed++
		}
		return m, err
	}
	for _, p := range b.Statuses {
		m, err := resolve(p.MessageRef)
		if err != nil {
			return err
		}
		if m == nil || m.Status == p.Status {
			continue
		}
		if err := tx.PatchMessageStatus(m.LocalID, p.Status); err != nil {
			return err
		}
		res.touchMessage(m.ChatID, m.LocalID)
		res.PatchesApplied++
	}
	for _, p := range b.Pins {
		m, err := resolve(p.MessageRef)
		if err != nil {
			return err
		}
		if m == nil || m.IsPinned == p.Pinned {
			continue
		}
		if err := tx.PatchMessagePin(m.LocalID, p.Pinned); err != nil {
			return err
		}
		res.touchMessage(m.ChatID, m.LocalID)
		res.PatchesApplied++
	}
	for _, p := range b.Reactions {
		m, err := resolve(p.MessageRef)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if err := tx.PatchMessageReactions(m.LocalID, p.Reactions); err != nil {
			return err
		}
		res.touchMessage(m.ChatID, m.LocalID)
		res.PatchesApplied++
	}
	return nil
}

func (r *Reconciler) applyChatFlags(tx *store.Tx, flags []ChatFlagPatch, res *Result) error {
	for _, f := range flags {
		touched := false
		if f.Pinned != nil {
			ok, err := tx.SetChatPinned(f.ChatID, *f.Pinned, f.PinnedAt)
			if err != nil {
				return err
			}
			touched = touched || ok
		}
		if f.Muted != nil {
			ok, err := tx.SetChatMuted(f.ChatID, *f.Muted)
			if err != nil {
				return err
			}
			touched = touched || ok
		}
		if !touched {
			res.PatchesMissed++
			continue
		}
		res.ChatsUpserted = appendUnique(res.ChatsUpserted, f.ChatID)
		res.PatchesApplied++
	}
	return nil
}

func (r *Reconciler) applyParticipants(tx *store.Tx, patches []ParticipantsPatch, res *Result) error {
	for _, p := range patches {
		if p.ChatID == "" {
			continue
		}
		if err := tx.EnsureChat(p.ChatID); err != nil {
			return err
		}
		if p.Replace {
			if err := tx.ReplaceParticipants(p.ChatID, p.Upsert); err != nil {
				return err
			}
		} else {
			for i := range p.Upsert {
				p.Upsert[i].ChatID = p.ChatID
				if err := tx.UpsertParticipant(&p.Upsert[i]); err != nil {
					return err
				}
			}
			for _, id := range p.Remove {
				if err := tx.RemoveParticipant(p.ChatID, id); err != nil {
					return err
				}
			}
		}
		res.ParticipantsSet += len(p.Upsert)

		chat, err := tx.GetChat(p.ChatID)
		if err != nil {
			return err
		}
		ids := participantIDs(chat.ParticipantIDs, p)
		if !slices.Equal(ids, chat.ParticipantIDs) {
			chat.ParticipantIDs = ids
			if err := tx.UpsertChat(chat); err != nil {
				return err
			}
			res.ChatsUpserted = appendUnique(res.ChatsUpserted, p.ChatID)
		}
		res.PatchesApplied++
	}
	return nil
}

func participantIDs(current []string, p ParticipantsPatch) []string {
	var ids []string
	if !p.Replace {
		for _, id := range current {
			if !slices.Contains(p.Remove, id) {
				ids = append(ids, id)
			}
		}
	}
	for _, u := range p.Upsert {
		if u.ID != "" && !slices.Contains(ids, u.ID) {
			ids = append(ids, u.ID)
		}
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func (r *Reconciler) applySeen(tx *store.Tx, seen []store.SeenDetail, res *Result) error {
	// Later entries for the same key win; only the last one is written.
	last := make(map[string]int, len(seen))
	for i, s := range seen {
		if s.ChatID == "" || s.ParticipantID == "" {
			continue
		}
		last[s.Key()] = i
	}
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := seen[last[k]]
		if err := tx.EnsureChat(s.ChatID); err != nil {
			return err
		}
		if err := tx.ReplaceSeen(&s); err != nil {
			return err
		}
		res.SeenWritten++
	}
	return nil
}

// advanceLastMessages moves each touched chat's summary to its newest
// stored message. The summary never moves backwards.
func (r *Reconciler) advanceLastMessages(tx *store.Tx, res *Result) error {
	chatIDs := make([]string, 0, len(res.messageChats))
	for id := range res.messageChats {
		chatIDs = append(chatIDs, id)
	}
	sort.Strings(chatIDs)
	for _, id := range chatIDs {
		latest, err := tx.LatestMessage(id)
		if err != nil {
			return err
		}
		if latest == nil {
			continue
		}
		chat, err := tx.GetChat(id)
		if err != nil {
			return err
		}
		if chat == nil {
			continue
		}
		summary := &store.LastMessage{
			MessageID: latest.Identity(),
			SenderID:  latest.SenderID,
			Content:   latest.Content,
			Type:      latest.Type,
			CreatedAt: latest.CreatedAt,
		}
		if chat.LastMessage != nil && (chat.LastMessage.CreatedAt > summary.CreatedAt || *chat.LastMessage == *summary) {
			continue
		}
		chat.LastMessage = summary
		if err := tx.UpsertChat(chat); err != nil {
			return err
		}
		res.ChatsUpserted = appendUnique(res.ChatsUpserted, id)
	}
	return nil
}

func (r *Reconciler) publish(res *Result) {
	if len(res.ChatsUpserted) > 0 || len(res.ChatsDeleted) > 0 {
		r.bus.Emit(bus.ChatsChanged, bus.ChatChange{Upserted: res.ChatsUpserted, Deleted: res.ChatsDeleted})
	}
	chatIDs := make([]string, 0, len(res.messageChats))
	for id := range res.messageChats {
		chatIDs = append(chatIDs, id)
	}
	sort.Strings(chatIDs)
	for _, id := range chatIDs {
		change := bus.MessageChange{ChatID: id}
		for localID := range res.messageChats[id] {
			if slices.Contains(res.MessagesInserted, localID) {
				change.Inserted = append(change.Inserted, localID)
			} else {
				change.Updated = append(change.Updated, localID)
			}
		}
		sort.Strings(change.Inserted)
		sort.Strings(change.Updated)
		r.bus.Emit(bus.MessagesChanged, change)
	}
	if res.SeenWritten > 0 {
		r.bus.Emit(bus.SeenChanged, res.SeenWritten)
	}
	if res.ParticipantsSet > 0 {
		r.bus.Emit(bus.ParticipantsChanged, res.ParticipantsSet)
	}
	if res.CursorReplaced {
		r.bus.Emit(bus.CursorChanged, nil)
	}
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
