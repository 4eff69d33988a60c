package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/repository"
	"github.com/weiawesome/wes-chat/pkg/jwt"
	"github.com/weiawesome/wes-chat/pkg/middleware"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrIdentityNotFound  = errors.New("identity not found")
)

// Verifier resolves a bearer credential to the identity it was issued for.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*domain.Identity, error)
}

// UserLookup is the subset of the user store the verifier reads.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// JWTVerifier checks HS256 tokens and loads the user they name.
type JWTVerifier struct {
	tokens *jwt.Manager
	users  UserLookup
}

func NewJWTVerifier(tokens *jwt.Manager, users UserLookup) *JWTVerifier {
	return &JWTVerifier{tokens: tokens, users: users}
}

// IsAuthFailure reports whether err means the credential was rejected,
// as opposed to a backend failure during verification.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrIdentityNotFound)
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (*domain.Identity, error) {
	claims, err := v.tokens.ValidateToken(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	user, err := v.users.GetByID(ctx, claims.SubjectID())
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	return user.Identity(), nil
}

// ValidateToken adapts the verifier to the HTTP auth middleware.
func (v *JWTVerifier) ValidateToken(ctx context.Context, token string) (*middleware.Principal, error) {
	identity, err := v.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Principal{UserID: identity.UserID, Username: identity.Username}, nil
}
