package service

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/jwt"
)

var tracer = otel.Tracer("auth")

const sessionSubject = "profilesync"

type AuthService struct {
	fqdn string
}

func NewAuthService(fqdn string) *AuthService {
	return &AuthService{
		fqdn: fqdn,
	}
}

type AuthResult struct {
	Address string
}

func (s *AuthService) AuthJwt(ctx context.Context, token string) (*AuthResult, error) {
	_, span := tracer.Start(ctx, "Auth.Service.AuthJwt")
	defer span.End()

	header, claims, err := jwt.Validate(token)
	if err != nil {
		span.RecordError(errors.Wrap(err, "jwt validation failed"))
		return nil, err
	}

	if claims.Audience != s.fqdn {
		err := fmt.Errorf("jwt audience mismatch: expected %s, got %s", s.fqdn, claims.Audience)
		span.RecordError(err)
		return nil, err
	}

	if claims.Subject != sessionSubject {
		err := fmt.Errorf("invalid subject")
		span.RecordError(err)
		return nil, err
	}

	keyID := header.KeyID
	if keyID == "" {
		keyID = claims.Issuer
	}

	if !profilesync.IsWalletAddress(keyID) {
		span.RecordError(fmt.Errorf("invalid issuer"))
		return nil, fmt.Errorf("invalid issuer")
	}

	return &AuthResult{Address: profilesync.NormalizeAddress(keyID)}, nil
}
