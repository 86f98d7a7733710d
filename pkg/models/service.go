package models

// Capability modality names. Services may declare further modalities; the
// runtime only reasons about these three.
const (
	CapabilityText  = "text"
	CapabilityImage = "image"
	CapabilityFile  = "file"
)

// CapabilityDirection selects the input or output capability set of a
// service.
type CapabilityDirection string

const (
	DirectionInput  CapabilityDirection = "input"
	DirectionOutput CapabilityDirection = "output"
)

// ServiceCapabilities declares which content modalities a service accepts
// and produces.
type ServiceCapabilities struct {
	Input  []string `json:"input" yaml:"input"`
	Output []string `json:"output" yaml:"output"`
}

// ServiceDefinition describes one backend LLM service in the catalog.
type ServiceDefinition struct {
	ID                    string               `json:"id" yaml:"id"`
	Name                  string               `json:"name" yaml:"name"`
	BaseURL               string               `json:"baseURL" yaml:"baseURL"`
	Model                 string               `json:"model" yaml:"model"`
	APIKey                string               `json:"apiKey" yaml:"apiKey"`
	CapabilityTags        []string             `json:"capabilityTags,omitempty" yaml:"capabilityTags"`
	Description           string               `json:"description,omitempty" yaml:"description"`
	MaxConcurrentRequests int                  `json:"maxConcurrentRequests,omitempty" yaml:"maxConcurrentRequests"`
	Capabilities          *ServiceCapabilities `json:"capabilities,omitempty" yaml:"capabilities"`
}

// EffectiveCapabilities returns the declared capabilities, defaulting to
// text-in/text-out when absent.
func (s *ServiceDefinition) EffectiveCapabilities() ServiceCapabilities {
	if s.Capabilities == nil {
		return ServiceCapabilities{Input: []string{CapabilityText}, Output: []string{CapabilityText}}
	}
	return *s.Capabilities
}

// HasInputCapability reports whether the service accepts the given modality.
func (s *ServiceDefinition) HasInputCapability(modality string) bool {
	for _, c := range s.EffectiveCapabilities().Input {
		if c == modality {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the definition.
func (s *ServiceDefinition) Clone() *ServiceDefinition {
	if s == nil {
		return nil
	}
	clone := *s
	clone.CapabilityTags = append([]string(nil), s.CapabilityTags...)
	if s.Capabilities != nil {
		caps := ServiceCapabilities{
			Input:  append([]string(nil), s.Capabilities.Input...),
			Output: append([]string(nil), s.Capabilities.Output...),
		}
		clone.Capabilities = &caps
	}
	return &clone
}
