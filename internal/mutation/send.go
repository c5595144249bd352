package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
)

// SendOptions are the optional parts of an outgoing message.
type SendOptions struct {
	ReplyTo     string
	Multimedia  []store.Media
	Transaction *store.Transaction
}

// SendMessage writes a pending message under a fresh local id and sends
// it. On success the message is acked with its server id and becomes
// sent; on failure it becomes failed. The returned message is the
// optimistic row.
func (g *Gateway) SendMessage(ctx context.Context, chatID, content string, opts SendOptions) (*store.Message, error) {
	if chatID == "" {
		return nil, errors.New("send message: chat id is required")
	}
	if content == "" && len(opts.Multimedia) == 0 && opts.Transaction == nil {
		return nil, errors.New("send message: empty message")
	}
	sc, err := g.creds.Current(ctx)
	if err != nil {
		return nil, err
	}

	now := g.now().UnixMilli()
	msg := store.Message{
		LocalID:     uuid.NewString(),
		ChatID:      chatID,
		SenderID:    sc.UserID,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
		Multimedia:  opts.Multimedia,
		Transaction: opts.Transaction,
		ReplyTo:     opts.ReplyTo,
		Status:      store.StatusPending,
	}
	msg.Type = g.classifier.Type(&msg)

	payload := map[string]any{
		"localId": msg.LocalID,
		"content": content,
	}
	if opts.ReplyTo != "" {
		payload["replyTo"] = opts.ReplyTo
	}
	if len(opts.Multimedia) > 0 {
		payload["multimedia"] = opts.Multimedia
	}
	if opts.Transaction != nil {
		payload["transaction"] = opts.Transaction
	}

	err = g.run(ctx, op{
		action: Action{
			Kind:    SendMessage,
			ChatID:  chatID,
			Target:  msg.LocalID,
			Payload: payload,
		},
		optimistic: ysync.Batch{Messages: []store.Message{msg}},
		onFailure: &ysync.Batch{Statuses: []ysync.StatusPatch{
			{MessageRef: msg.LocalID, Status: store.StatusFailed},
		}},
		confirm: func(res *Result) ysync.Batch {
			b := ysync.Batch{}
			if res.Message != nil {
				b = confirmMessage(msg.LocalID, chatID)(res)
				b.Acks = []ysync.AckPatch{{
					LocalID:   msg.LocalID,
					ServerID:  res.Message.ServerID,
					MessageID: res.Message.MessageID,
				}}
				return b
			}
			// No echo: the call succeeding is the ack.
			b.Statuses = []ysync.StatusPatch{{MessageRef: msg.LocalID, Status: store.StatusSent}}
			return b
		},
		local: msg,
	})
	if err != nil {
		var nc *NotConfirmedError
		if errors.As(err, &nc) {
			msg.Status = store.StatusFailed
			nc.Local = msg
		}
		return &msg, err
	}
	stored, gerr := g.db.GetMessage(msg.LocalID)
	if gerr != nil || stored == nil {
		msg.Status = store.StatusSent
		return &msg, nil
	}
	return stored, nil
}

// SendMedia uploads a file and sends it as a message with an optional
// caption. Nothing is written locally when the upload fails.
func (g *Gateway) SendMedia(ctx context.Context, chatID, caption string, f File) (*store.Message, error) {
	if g.uploader == nil {
		return nil, ErrUploadsDisabled
	}
	media, err := g.uploader.Upload(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	if media.MimeType == "" {
		media.MimeType = f.MimeType
	}
	g.metrics.Uploaded(media.Size)
	return g.SendMessage(ctx, chatID, caption, SendOptions{Multimedia: []store.Media{media}})
}

// SendPayment signs a payment through the Payer and sends the resulting
// transaction as a message. The message content is the JSON encoded
// transaction.
func (g *Gateway) SendPayment(ctx context.Context, chatID, recipient, amount, token string) (*store.Message, error) {
	if g.payer == nil {
		return nil, ErrPaymentsDisabled
	}
	sc, err := g.creds.Current(ctx)
	if err != nil {
		return nil, err
	}
	sig, err := g.payer.Pay(ctx, sc, recipient, amount, token)
	if err != nil {
		return nil, fmt.Errorf("pay %s: %w", recipient, err)
	}
	tx := &store.Transaction{Signature: sig, Recipient: recipient, Amount: amount, Token: token}
	content, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return g.SendMessage(ctx, chatID, string(content), SendOptions{Transaction: tx})
}
