package tools

import (
	"context"
	"fmt"

	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/store"
)

func (r *Registry) handleSendChatMessage(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	conversationID := args.String("conversation_id")
	message := args.String("message")
	if conversationID == "" || message == "" {
		return nil, fmt.Errorf("conversation_id and message are required")
	}
	return r.messenger.Send(ctx, scope, conversationID, message, args.StringSlice("product_ids"))
}

func (r *Registry) handleSendEmail(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	to := args.StringSlice("to")
	subject := args.String("subject")
	body := args.String("body")
	if len(to) == 0 || subject == "" || body == "" {
		return nil, fmt.Errorf("to, subject and body are required")
	}
	return r.email.Send(ctx, scope, email.SendInput{
		To:         to,
		Cc:         args.StringSlice("cc"),
		Bcc:        args.StringSlice("bcc"),
		Subject:    subject,
		Body:       body,
		ProductIDs: args.StringSlice("product_ids"),
	})
}

func (r *Registry) handleReplyEmail(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	emailID := args.String("email_id")
	body := args.String("body")
	if emailID == "" || body == "" {
		return nil, fmt.Errorf("email_id and body are required")
	}
	return r.email.Reply(ctx, scope, email.ReplyInput{
		EmailID:    emailID,
		Body:       body,
		ProductIDs: args.StringSlice("product_ids"),
	})
}

func (r *Registry) handleListEmails(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	var filters []store.Filter
	if args.Bool("unread_only", false) {
		filters = append(filters,
			store.Filter{Column: "direction", Op: store.OpEq, Value: "inbound"},
			store.Filter{Column: "is_read", Op: store.OpEq, Value: 0},
		)
	}
	records, err := r.store.Select(ctx, scope, store.Query{
		Table:   "emails",
		Filters: filters,
		Limit:   args.Int("limit", 0),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(records), "records": records}, nil
}

func (r *Registry) handleListMessages(ctx context.Context, scope guard.Scope, args Args) (any, error) {
	conversationID := args.String("conversation_id")
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	records, err := r.store.Select(ctx, scope, store.Query{
		Table: "messages",
		Filters: []store.Filter{
			{Column: "conversation_id", Op: store.OpEq, Value: conversationID},
		},
		Order: &store.Order{Column: "created_at", Ascending: true},
		Limit: args.Int("limit", 0),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(records), "records": records}, nil
}

func (r *Registry) handleNavigateTo(_ context.Context, _ guard.Scope, args Args) (any, error) {
	path := args.String("path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &SideEffect{Type: "navigate", Path: path}, nil
}
