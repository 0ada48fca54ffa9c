// Package resolve maps provider configs to live language model
// backends. It is the single place that knows which SDK serves which
// provider kind.
package resolve

import (
	deckhand "github.com/deckhand-ai/deckhand"
	"github.com/deckhand-ai/deckhand/provider/anthropic"
	"github.com/deckhand-ai/deckhand/provider/azureopenai"
	"github.com/deckhand-ai/deckhand/provider/gemini"
	"github.com/deckhand-ai/deckhand/provider/openai"
	"github.com/deckhand-ai/deckhand/provider/openaicompat"
)

// defaultOCIEndpoint builds the OCI Generative AI OpenAI-compatible
// endpoint for a region.
func defaultOCIEndpoint(region string) string {
	if region == "" {
		region = "us-chicago-1"
	}
	return "https://inference.generativeai." + region + ".oci.oraclecloud.com/20231130/actions/v1"
}

// Builder returns the deckhand.ProviderBuilder used by the provider
// registry. Each config kind selects its backend SDK.
func Builder() deckhand.ProviderBuilder {
	return func(cfg deckhand.ProviderConfig) (deckhand.LanguageModel, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		switch cfg.Kind {
		case deckhand.ProviderOpenAI:
			return openai.New(cfg.APIKey, cfg.Model), nil

		case deckhand.ProviderAnthropic:
			return anthropic.New(cfg.APIKey, cfg.Model), nil

		case deckhand.ProviderGoogle:
			return gemini.New(cfg.APIKey, cfg.Model), nil

		case deckhand.ProviderAzureOpenAI:
			if cfg.Endpoint == "" {
				return nil, deckhand.Errorf(deckhand.KindValidation, "provider %s requires an endpoint", cfg.ID)
			}
			deployment := cfg.Deployment
			if deployment == "" {
				deployment = cfg.Model
			}
			return azureopenai.New(cfg.Endpoint, cfg.APIKey, deployment)

		case deckhand.ProviderOCI:
			endpoint := cfg.Endpoint
			if endpoint == "" {
				endpoint = defaultOCIEndpoint(cfg.Region)
			}
			opts := []openaicompat.ProviderOption{openaicompat.WithName("oci")}
			if cfg.CompartmentID != "" {
				opts = append(opts, openaicompat.WithHeader("opc-compartment-id", cfg.CompartmentID))
			}
			return openaicompat.NewProvider(cfg.APIKey, cfg.Model, endpoint, opts...), nil

		default:
			return nil, deckhand.Errorf(deckhand.KindValidation, "unknown provider kind %q", cfg.Kind)
		}
	}
}
