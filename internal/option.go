package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	page   string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithPage restricts a one-shot reconciliation run to a single page key.
func WithPage(key string) Option {
	return func(a *application) {
		a.page = key
	}
}
