// ABOUTME: Automated reply generation for bot-routed conversations
// ABOUTME: Rule-based keyword matching with a default fallback reply

package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lumistore/chat-gateway/internal/store"
)

// Responder produces the automated reply to a customer message in a
// bot-routed conversation. Implementations must be safe for concurrent use.
type Responder interface {
	Reply(ctx context.Context, conv *store.Conversation, msg *store.ChatMessage) (string, error)
}

// Rule maps keywords to a canned reply. The first rule whose any keyword
// appears in the message (case-insensitive) wins.
type Rule struct {
	Keywords []string
	Reply    string
}

// RuleResponder answers from an ordered rule list, falling back to a default
// reply when nothing matches. It never returns an error.
type RuleResponder struct {
	rules        []Rule
	defaultReply string
	logger       *slog.Logger
}

// NewRuleResponder creates a responder. Pass nil logger for default.
func NewRuleResponder(rules []Rule, defaultReply string, logger *slog.Logger) *RuleResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleResponder{
		rules:        rules,
		defaultReply: defaultReply,
		logger:       logger.With("component", "bot"),
	}
}

// Reply matches the message against the rules in order.
func (r *RuleResponder) Reply(_ context.Context, conv *store.Conversation, msg *store.ChatMessage) (string, error) {
	content := strings.ToLower(msg.Content)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(content, strings.ToLower(kw)) {
				r.logger.Debug("rule matched",
					"conversation_id", conv.ID,
					"keyword", kw)
				return rule.Reply, nil
			}
		}
	}
	return r.defaultReply, nil
}
