package smtp

// Config holds SMTP submission settings.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	Host     string `env:"SMTP_HOST" envDefault:"localhost"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used when offered.
	ImplicitTLS bool `env:"SMTP_IMPLICIT_TLS" envDefault:"false"`
	// DefaultFrom is used when an email has no From address.
	DefaultFrom string `env:"SMTP_FROM_EMAIL"`
}
