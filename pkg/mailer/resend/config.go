package resend

// Config holds Resend provider configuration.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	APIKey string `env:"RESEND_API_KEY"`
	// DefaultFrom is used when an email has no From address.
	DefaultFrom string `env:"RESEND_FROM_EMAIL"`
	FromName    string `env:"RESEND_FROM_NAME"`
}
