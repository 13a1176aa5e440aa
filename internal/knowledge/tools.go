package knowledge

import "voice-gateway/internal/voice/provider"

const queryParameter = "query"

// Tool is a search tool the model can call.
type Tool struct {
	Name        string
	Description string
	Collection  Collection
}

var tools = []Tool{
	{
		Name:        "search_products",
		Description: "A database of product information that must be used to form eligibility questions.",
		Collection:  CollectionProducts,
	},
	{
		Name:        "search_needs",
		Description: "A database of client needs and associated products that may suit.",
		Collection:  CollectionNeeds,
	},
	{
		Name:        "search_service_providers",
		Description: "A database of possible service providers who can provision a product and be matched to a client need and product.",
		Collection:  CollectionProviders,
	},
	{
		Name:        "search_guardrails",
		Description: "A database of guardrails for tone, security, brand voice and regulatory compliance.",
		Collection:  CollectionGuardrails,
	},
}

// Tools lists the search tools in declaration order.
func Tools() []Tool {
	return append([]Tool(nil), tools...)
}

// Specs declares every search tool to a voice provider.
func Specs() []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, provider.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters: []provider.ToolParameter{{
				Name:        queryParameter,
				Description: "The search query to find relevant information.",
				Required:    true,
			}},
		})
	}
	return specs
}

func lookup(name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
