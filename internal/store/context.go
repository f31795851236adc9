package store

import "context"

type contextKey string

const (
	// ChatJIDKey is the context key for the chat JID a pipeline step is
	// currently operating on.
	ChatJIDKey contextKey = "clawbridge_chat_jid"
	// SenderIDKey is the context key for the original sender of the
	// message that triggered the current operation.
	SenderIDKey contextKey = "clawbridge_sender_id"
)

// WithChatJID returns a new context carrying the chat JID.
func WithChatJID(ctx context.Context, jid string) context.Context {
	return context.WithValue(ctx, ChatJIDKey, jid)
}

// ChatJIDFromContext extracts the chat JID from context. Returns "" if not set.
func ChatJIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ChatJIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSenderID returns a new context carrying the original sender id.
func WithSenderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SenderIDKey, id)
}

// SenderIDFromContext extracts the sender id from context. Returns "" if not set.
func SenderIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(SenderIDKey).(string); ok {
		return v
	}
	return ""
}
