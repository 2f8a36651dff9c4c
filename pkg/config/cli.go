package config

// CLIConfig holds defaults for the operator CLI.
type CLIConfig struct {
	APIBaseURL string
	Output     string
}

// LoadCLIConfig constructs a CLIConfig from environment variables.
func LoadCLIConfig() CLIConfig {
	return CLIConfig{
		APIBaseURL: GetString("REGAINFLOW_API", "http://localhost:4000"),
		Output:     GetString("REGAINFLOW_OUTPUT", "auto"),
	}
}
