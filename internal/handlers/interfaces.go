package handlers

import (
	"context"
	"io"
)

// TokenValidator resolves a session token to the user it was issued for.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, bool)
}

// ClipStore persists uploaded alert clips.
type ClipStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

// SessionCounter reports how many peers are connected.
type SessionCounter interface {
	Len() int
}
