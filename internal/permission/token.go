package permission

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// TokenIssuer mints one-time confirmation tokens for destructive tool
// calls. A token is bound to a single tool call, consumed on first
// validation, and useless afterwards. Tokens live in memory only; a
// restart invalidates them all, which is the safe direction.
type TokenIssuer struct {
	// tokens maps tool call IDs to their unconsumed tokens.
	tokens map[string]string
	mu     sync.Mutex
}

// NewTokenIssuer creates a new TokenIssuer instance.
func NewTokenIssuer() *TokenIssuer {
	return &TokenIssuer{
		tokens: make(map[string]string),
	}
}

// Issue generates a fresh one-time token bound to the tool call.
// Issuing again for the same call replaces the previous token.
func (t *TokenIssuer) Issue(toolCallID string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating confirmation token: %w", err)
	}
	token := hex.EncodeToString(buf)

	t.mu.Lock()
	t.tokens[toolCallID] = token
	t.mu.Unlock()

	return token, nil
}

// Consume validates the token for the tool call and invalidates it.
// Returns false if the token is wrong, already consumed, or was never
// issued for this call.
func (t *TokenIssuer) Consume(toolCallID, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	issued, exists := t.tokens[toolCallID]
	if !exists || token == "" || issued != token {
		return false
	}
	delete(t.tokens, toolCallID)
	return true
}

// Revoke invalidates any outstanding token for the tool call without
// consuming it. Used when a call is denied or times out.
func (t *TokenIssuer) Revoke(toolCallID string) {
	t.mu.Lock()
	delete(t.tokens, toolCallID)
	t.mu.Unlock()
}
