package domain

// GenerationRole names the purpose of a text-generation call.
type GenerationRole string

const (
	RoleExpansion    GenerationRole = "expansion"
	RoleSynthesis    GenerationRole = "synthesis"
	RoleVerification GenerationRole = "verification"
)

type GenerationRequest struct {
	Role        GenerationRole
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}
