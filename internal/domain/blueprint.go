package domain

// Blueprint is a reusable environment template.
type Blueprint struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Resources   []string       `json:"resources" yaml:"resources"`
	Preset      BlueprintSpecs `json:"preset" yaml:"preset"`
}

// BlueprintSpecs seeds the static plan form for a blueprint.
type BlueprintSpecs struct {
	Type    string `json:"type" yaml:"type"`
	Region  string `json:"region" yaml:"region"`
	CPU     string `json:"cpu" yaml:"cpu"`
	Memory  string `json:"memory" yaml:"memory"`
	Storage string `json:"storage" yaml:"storage"`
}
