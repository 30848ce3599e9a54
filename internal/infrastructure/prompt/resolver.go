package prompt

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// DefaultPrompt is the built-in system prompt used when no prompt file
// exists anywhere in the lookup chain.
const DefaultPrompt = "You are Joi, a helpful personal AI assistant. " +
	"You are friendly, concise, and meaningful. Keep your responses brief " +
	"and to the point unless asked for more detail. You communicate via " +
	"Signal messenger, so keep messages reasonably short unless needed."

// Resolver resolves per-conversation prompts, model overrides, context
// sizes and knowledge scopes from a prompts directory tree:
//
//	<dir>/default.txt, default.model, default.context, default.knowledge
//	<dir>/users/<user_id>.{txt,model,context,knowledge}
//	<dir>/groups/<sanitized_group_id>.{txt,model,context,knowledge}
type Resolver struct {
	dir    string
	logger *zap.Logger
}

// NewResolver creates a resolver and ensures the directory tree exists.
func NewResolver(dir string, logger *zap.Logger) *Resolver {
	for _, sub := range []string{"users", "groups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			logger.Warn("failed to create prompts directory",
				zap.String("dir", filepath.Join(dir, sub)), zap.Error(err))
		}
	}
	return &Resolver{dir: dir, logger: logger}
}

// SanitizeScope makes a conversation identifier safe as a path component.
// Group ids are base64 and can carry '/' and '+'; '..' sequences are
// collapsed until none remain. Empty or whitespace-only input yields empty,
// which callers must treat as no access.
func SanitizeScope(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "+", "-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	return s
}

// base returns the per-conversation file path prefix (without extension),
// or empty when the identifier sanitizes to nothing.
func (r *Resolver) base(conversationType, conversationID, senderID string) string {
	if conversationType == entity.ConversationGroup {
		safe := SanitizeScope(conversationID)
		if safe == "" {
			return ""
		}
		return filepath.Join(r.dir, "groups", safe)
	}
	safe := SanitizeScope(senderID)
	if safe == "" {
		return ""
	}
	return filepath.Join(r.dir, "users", safe)
}

// readFile returns the trimmed file content, or empty when the file is
// missing or blank.
func (r *Resolver) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read prompt file",
				zap.String("path", path), zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// lookup resolves <base>.<ext> then default.<ext>.
func (r *Resolver) lookup(base, ext string) string {
	if base != "" {
		if v := r.readFile(base + ext); v != "" {
			return v
		}
	}
	return r.readFile(filepath.Join(r.dir, "default"+ext))
}

// SystemPrompt resolves the system prompt with fallback to the built-in.
func (r *Resolver) SystemPrompt(conversationType, conversationID, senderID string) string {
	if v := r.lookup(r.base(conversationType, conversationID, senderID), ".txt"); v != "" {
		return v
	}
	return DefaultPrompt
}

// SystemPromptOptional resolves the conversation-specific prompt without
// falling back to default or built-in. Used when a custom model is set,
// since its modelfile may already embed the persona.
func (r *Resolver) SystemPromptOptional(conversationType, conversationID, senderID string) string {
	base := r.base(conversationType, conversationID, senderID)
	if base == "" {
		return ""
	}
	return r.readFile(base + ".txt")
}

// Model resolves the model override; empty means use the configured default.
func (r *Resolver) Model(conversationType, conversationID, senderID string) string {
	return r.lookup(r.base(conversationType, conversationID, senderID), ".model")
}

// HasCustomModel reports whether a model override applies to the conversation.
func (r *Resolver) HasCustomModel(conversationType, conversationID, senderID string) bool {
	return r.Model(conversationType, conversationID, senderID) != ""
}

// ContextSize resolves the context window message count; 0 means use the
// configured default.
func (r *Resolver) ContextSize(conversationType, conversationID, senderID string) int {
	v := r.lookup(r.base(conversationType, conversationID, senderID), ".context")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.logger.Warn("invalid context size file", zap.String("value", v))
		return 0
	}
	return n
}

// KnowledgeScopes resolves the knowledge scopes the conversation may read.
// The conversation's own sanitized scope is always included; extraScopes
// (e.g. the sender's group memberships) are unioned in. A conversation that
// sanitizes to empty gets no implicit scope.
func (r *Resolver) KnowledgeScopes(conversationType, conversationID, senderID string, extraScopes []string) []string {
	seen := make(map[string]bool)
	var scopes []string
	add := func(scope string) {
		scope = strings.TrimSpace(scope)
		if scope == "" || seen[scope] {
			return
		}
		seen[scope] = true
		scopes = append(scopes, scope)
	}

	if conversationType == entity.ConversationGroup {
		add(SanitizeScope(conversationID))
	} else {
		add(SanitizeScope(senderID))
	}

	if v := r.lookup(r.base(conversationType, conversationID, senderID), ".knowledge"); v != "" {
		for _, line := range strings.Split(v, "\n") {
			add(SanitizeScope(line))
		}
	}
	for _, scope := range extraScopes {
		add(SanitizeScope(scope))
	}
	return scopes
}
