package config

// Config is a named, self-validating configuration section. LoadConfig
// calls Validate after decoding and again on every reload.
type Config interface {
	GetName() string
	Validate() error
}
