package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GenAIIssuer mints constrained ephemeral tokens through the Gemini API.
type GenAIIssuer struct {
	client *genai.Client
	now    func() time.Time
}

// NewGenAIIssuer builds an issuer authenticated with the long-lived key.
// Ephemeral tokens are only served by the v1alpha API.
func NewGenAIIssuer(ctx context.Context, apiKey string) (*GenAIIssuer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("genai issuer requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1alpha"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIIssuer{client: client, now: time.Now}, nil
}

func (g *GenAIIssuer) Issue(ctx context.Context, c Constraints) (Credential, error) {
	c = c.WithDefaults()
	now := g.now()
	expire := now.Add(c.ExpireAfter)
	newSession := now.Add(c.NewSessionExpireAfter)

	liveConfig := &genai.LiveConnectConfig{}
	for _, m := range c.ResponseModalities {
		liveConfig.ResponseModalities = append(liveConfig.ResponseModalities, genai.Modality(strings.ToUpper(m)))
	}
	if c.SessionResumption {
		liveConfig.SessionResumption = &genai.SessionResumptionConfig{}
	}

	token, err := g.client.AuthTokens.Create(ctx, &genai.CreateAuthTokenConfig{
		Uses:                 int32(c.Uses),
		ExpireTime:           expire,
		NewSessionExpireTime: newSession,
		LiveConnectConstraints: &genai.LiveConnectConstraints{
			Model:  c.Model,
			Config: liveConfig,
		},
	})
	if err != nil {
		return Credential{}, err
	}
	if token == nil || token.Name == "" {
		return Credential{}, fmt.Errorf("auth token response missing name")
	}
	return Credential{
		Name:                 token.Name,
		Token:                token.Name,
		ExpireTime:           expire,
		NewSessionExpireTime: newSession,
		RemainingUses:        c.Uses,
		IssuedAt:             now,
	}, nil
}
