package channel

import (
	"context"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/config"
	"github.com/authhub/backend/internal/model"
)

const fieldCode = "code"

// IdentityExchanger trades an opaque third-party authorization code for a
// stable external subject identifier.
type IdentityExchanger interface {
	Exchange(ctx context.Context, code string) (string, error)
}

// OIDCExchanger exchanges the code at the provider's token endpoint and
// verifies the returned ID token before trusting its subject.
type OIDCExchanger struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCExchanger(ctx context.Context, cfg config.ExchangeConfig) (*OIDCExchanger, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = provider.Endpoint().TokenURL
	}
	return &OIDCExchanger{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

func (e *OIDCExchanger) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return "", autherr.Wrap(autherr.KindExternalCodeInvalid, "code exchange rejected", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", autherr.New(autherr.KindExternalCodeInvalid, "exchange response missing identity")
	}
	idToken, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", autherr.Wrap(autherr.KindExternalCodeInvalid, "identity verification failed", err)
	}
	return idToken.Subject, nil
}

// CodeExchangeVerifier is the third-party channel slot (e.g. a mini-program
// authorization code): exchange the code externally, then map the external
// subject through the directory.
type CodeExchangeVerifier struct {
	directory UserDirectory
	exchanger IdentityExchanger
	channel   model.Channel
}

func NewCodeExchangeVerifier(directory UserDirectory, exchanger IdentityExchanger, ch model.Channel) *CodeExchangeVerifier {
	return &CodeExchangeVerifier{directory: directory, exchanger: exchanger, channel: ch}
}

func (v *CodeExchangeVerifier) SupportedChannel() model.Channel {
	return v.channel
}

func (v *CodeExchangeVerifier) ValidateCredentials(req *model.LoginRequest) bool {
	return strings.TrimSpace(req.Credential(fieldCode)) != ""
}

func (v *CodeExchangeVerifier) Authenticate(ctx context.Context, req *model.LoginRequest) (*model.User, error) {
	externalID, err := v.exchanger.Exchange(ctx, req.Credential(fieldCode))
	if err != nil {
		return nil, err
	}
	user, found, err := v.directory.ByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, autherr.New(autherr.KindUserNotFound, "no account linked to external identity")
	}
	if err := checkUsable(user); err != nil {
		return nil, err
	}
	return user, nil
}
