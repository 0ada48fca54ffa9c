package resolve

import (
	"testing"

	deckhand "github.com/deckhand-ai/deckhand"
)

func TestBuilder(t *testing.T) {
	build := Builder()

	cases := []struct {
		name     string
		cfg      deckhand.ProviderConfig
		wantName string
	}{
		{
			name: "openai",
			cfg: deckhand.ProviderConfig{
				ID: "openai-prod", Kind: deckhand.ProviderOpenAI,
				Model: "gpt-4o", APIKey: "sk-test",
			},
			wantName: "openai",
		},
		{
			name: "anthropic",
			cfg: deckhand.ProviderConfig{
				ID: "claude", Kind: deckhand.ProviderAnthropic,
				Model: "claude-sonnet-4-20250514", APIKey: "sk-ant-test",
			},
			wantName: "anthropic",
		},
		{
			name: "google",
			cfg: deckhand.ProviderConfig{
				ID: "gemini", Kind: deckhand.ProviderGoogle,
				Model: "gemini-2.5-flash", APIKey: "test",
			},
			wantName: "gemini",
		},
		{
			name: "azure",
			cfg: deckhand.ProviderConfig{
				ID: "azure-east", Kind: deckhand.ProviderAzureOpenAI,
				Model: "gpt-4o", APIKey: "test",
				Endpoint:   "https://example.openai.azure.com",
				Deployment: "gpt-4o-prod",
			},
			wantName: "azure-openai",
		},
		{
			name: "oci",
			cfg: deckhand.ProviderConfig{
				ID: "oci-chicago", Kind: deckhand.ProviderOCI,
				Model: "cohere.command-r-plus", APIKey: "test",
				CompartmentID: "ocid1.compartment.oc1..aaaa",
				Region:        "us-chicago-1",
			},
			wantName: "oci",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model, err := build(tc.cfg)
			if err != nil {
				t.Fatalf("build returned error: %v", err)
			}
			if model.Name() != tc.wantName {
				t.Errorf("expected name %q, got %q", tc.wantName, model.Name())
			}
		})
	}
}

func TestBuilder_InvalidConfig(t *testing.T) {
	build := Builder()

	cases := []struct {
		name string
		cfg  deckhand.ProviderConfig
	}{
		{"missing id", deckhand.ProviderConfig{Kind: deckhand.ProviderOpenAI, Model: "gpt-4o"}},
		{"unknown kind", deckhand.ProviderConfig{ID: "x", Kind: "cohere", Model: "command-r"}},
		{"missing model", deckhand.ProviderConfig{ID: "x", Kind: deckhand.ProviderOpenAI}},
		{"azure without endpoint", deckhand.ProviderConfig{
			ID: "az", Kind: deckhand.ProviderAzureOpenAI, Model: "gpt-4o",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := build(tc.cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if deckhand.KindOf(err) != deckhand.KindValidation {
				t.Errorf("expected KindValidation, got %v", deckhand.KindOf(err))
			}
		})
	}
}

func TestDefaultOCIEndpoint(t *testing.T) {
	got := defaultOCIEndpoint("eu-frankfurt-1")
	want := "https://inference.generativeai.eu-frankfurt-1.oci.oraclecloud.com/20231130/actions/v1"
	if got != want {
		t.Errorf("unexpected endpoint: %q", got)
	}
	if defaultOCIEndpoint("") != defaultOCIEndpoint("us-chicago-1") {
		t.Error("empty region should fall back to us-chicago-1")
	}
}
