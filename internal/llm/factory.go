package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/entity"
)

type Provider string

const (
	OpenAI   Provider = "openai"
	Azure    Provider = "azure"
	Groq     Provider = "groq"
	Mistral  Provider = "mistral"
	Cerebras Provider = "cerebras"
)

var baseURLs = map[Provider]string{
	OpenAI:   "https://api.openai.com/v1",
	Groq:     "https://api.groq.com/openai/v1",
	Mistral:  "https://api.mistral.ai/v1",
	Cerebras: "https://api.cerebras.ai/v1",
}

var azureRequired = []string{"api_version", "azure_endpoint", "azure_deployment"}

func Providers() []Provider { return []Provider{OpenAI, Azure, Groq, Mistral, Cerebras} }

func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	names := make([]string, 0, len(Providers()))
	for _, known := range Providers() {
		names = append(names, string(known))
	}
	return "", fmt.Errorf("invalid provider type %q, allowed: %s", s, strings.Join(names, ", "))
}

// Validate checks provider configuration without building a client.
func Validate(d entity.ModelDetails) error {
	if d.ProviderType == "" {
		return apperr.InvalidConfiguration("provider_type must be provided", nil)
	}
	if d.ProviderModelName == "" {
		return apperr.InvalidConfiguration("provider_model_name must be provided", nil)
	}
	if d.APIKey == "" {
		return apperr.InvalidConfiguration("api_key must be provided", nil)
	}
	p, err := ParseProvider(d.ProviderType)
	if err != nil {
		return apperr.InvalidConfiguration(err.Error(), nil)
	}

	if p == Azure {
		var missing []string
		for _, k := range azureRequired {
			if param(d.AdditionalParams, k) == "" {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return apperr.InvalidConfiguration(
				fmt.Sprintf("missing required additional_params for %s: %s", p, strings.Join(missing, ", ")), nil)
		}
		if _, err := url.ParseRequestURI(param(d.AdditionalParams, "azure_endpoint")); err != nil {
			return apperr.InvalidConfiguration("azure_endpoint is not a valid url", err)
		}
	}
	if raw := param(d.AdditionalParams, "base_url"); raw != "" {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return apperr.InvalidConfiguration("base_url is not a valid url", err)
		}
	}
	return nil
}

// Factory builds Completers from published model details.
type Factory struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

func (f Factory) New(d entity.ModelDetails) (Completer, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	p, _ := ParseProvider(d.ProviderType)

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := f.HTTPClient
	if hc == nil {
		timeout := f.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &chatClient{
		provider: p,
		model:    d.ProviderModelName,
		extra:    d.AdditionalParams,
		http:     hc,
		log:      logger.With("provider", string(p), "model", d.ProviderModelName),
	}

	switch p {
	case Azure:
		c.endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(param(d.AdditionalParams, "azure_endpoint"), "/"),
			url.PathEscape(param(d.AdditionalParams, "azure_deployment")),
			url.QueryEscape(param(d.AdditionalParams, "api_version")),
		)
		c.headers = map[string]string{"api-key": d.APIKey}
	default:
		base := baseURLs[p]
		if override := param(d.AdditionalParams, "base_url"); override != "" {
			base = override
		}
		c.endpoint = strings.TrimRight(base, "/") + "/chat/completions"
		c.headers = map[string]string{"Authorization": "Bearer " + d.APIKey}
	}
	return c, nil
}

func param(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}
