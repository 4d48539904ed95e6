package api

import "strings"

// knownProviders maps a host fragment to a provider name
var knownProviders = []struct {
	fragment string
	name     string
}{
	{"openai.com", "openai"},
	{"nvidia.com", "nvidia"},
	{"anthropic.com", "anthropic"},
	{"together.xyz", "together"},
	{"together.ai", "together"},
	{"openrouter.ai", "openrouter"},
}

// ProviderName extracts a provider name from a base URL. Local or unknown
// endpoints are their own provider, named by the base URL.
func ProviderName(baseURL string) string {
	for _, p := range knownProviders {
		if strings.Contains(baseURL, p.fragment) {
			return p.name
		}
	}
	return baseURL
}
