package repository

import (
	"context"
	"time"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// LinkingTokenRepository persists linking tokens by their hash. Every lookup is scoped
// to (hash, user, provider) and ignores rows expired at now.
type LinkingTokenRepository interface {
	Create(ctx context.Context, token *entity.LinkingToken) error

	// GetLive reads a live token without consuming it.
	GetLive(ctx context.Context, tokenHash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error)

	// BindSubject records the verified identity returned by the target provider.
	// Succeeds only once per token.
	BindSubject(ctx context.Context, tokenHash string, userID uint, provider, subjectID, email string, now time.Time) error

	// Consume deletes a live token in a single statement and returns the deleted row.
	// Of concurrent callers at most one gets the row; the rest get apperrors.ErrNotFound.
	Consume(ctx context.Context, tokenHash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
