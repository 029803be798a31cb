package push

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"socialhub-backend/pkg/logger"
)

// ProviderType selects the push backend
type ProviderType string

const (
	ProviderFirebase ProviderType = "firebase"
	ProviderMock     ProviderType = "mock"
)

// FactoryConfig carries the settings the factory needs
type FactoryConfig struct {
	Provider        string
	ProjectID       string
	CredentialsPath string
}

// NewProvider builds the configured provider. Unknown names fall back to mock.
func NewProvider(cfg FactoryConfig) (Provider, error) {
	switch ProviderType(strings.ToLower(cfg.Provider)) {
	case ProviderFirebase:
		p, err := NewFCMProvider(&FCMConfig{
			CredentialsPath: cfg.CredentialsPath,
			ProjectID:       cfg.ProjectID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM provider: %w", err)
		}
		return p, nil
	case ProviderMock, "":
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider, using mock", zap.String("provider", cfg.Provider))
		return &MockProvider{}, nil
	}
}
