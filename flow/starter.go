package flow

import (
	"context"
	"fmt"

	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"go.uber.org/zap"
)

// Starter begins authorization flows that end in a redirect carrying a
// code. Each flow gets a new verifier, stored before the provider sees its
// challenge.
type Starter struct {
	client provider.Client
	repo   *pkce.Repository
	log    *zap.Logger
}

func NewStarter(client provider.Client, repo *pkce.Repository, log *zap.Logger) *Starter {
	return &Starter{client: client, repo: repo, log: logger.OrGlobal(log).Named("starter")}
}

func (s *Starter) newVerifier(ctx context.Context) (string, error) {
	v, err := pkce.GenerateVerifier()
	if err != nil {
		return "", err
	}
	if err := s.repo.StoreVerifier(ctx, v); err != nil {
		return "", err
	}
	return v, nil
}

// RequestPasswordReset sends a reset email whose link returns to redirectTo
// with a recovery code.
func (s *Starter) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	v, err := s.newVerifier(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.BeginReset(ctx, email, redirectTo, v); err != nil {
		return err
	}
	if err := s.client.ResetPasswordForEmail(ctx, email, redirectTo); err != nil {
		if cerr := s.repo.ClearReset(context.WithoutCancel(ctx)); cerr != nil {
			s.log.Warn("Cannot clear reset flags after failed request", zap.Error(cerr))
		}
		return fmt.Errorf("request password reset: %w", err)
	}
	s.log.Info("Password reset requested", zap.Int("verifier_length", len(v)))
	return nil
}

// SignUp registers a user. When the provider requires confirmation the
// returned session is nil and the emailed link completes the flow.
func (s *Starter) SignUp(ctx context.Context, email, password, redirectTo string) (*provider.User, *provider.Session, error) {
	s.supersedeReset(ctx)
	if _, err := s.newVerifier(ctx); err != nil {
		return nil, nil, err
	}
	u, sess, err := s.client.SignUp(ctx, email, password, redirectTo)
	if err != nil {
		return nil, nil, fmt.Errorf("sign up: %w", err)
	}
	return u, sess, nil
}

// SignInWithOAuth returns the provider authorization URL for name.
func (s *Starter) SignInWithOAuth(ctx context.Context, name, redirectTo string) (string, error) {
	s.supersedeReset(ctx)
	if _, err := s.newVerifier(ctx); err != nil {
		return "", err
	}
	authURL, err := s.client.SignInWithOAuth(ctx, name, redirectTo)
	if err != nil {
		return "", fmt.Errorf("oauth sign in: %w", err)
	}
	return authURL, nil
}

func (s *Starter) supersedeReset(ctx context.Context) {
	if err := s.repo.ClearReset(ctx); err != nil {
		s.log.Warn("Cannot clear superseded reset flow", zap.Error(err))
	}
}
