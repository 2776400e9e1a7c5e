package model

import "log/slog"

// Secret is a credential read from configuration. It never appears in logs.
type Secret string

// LogValue masks the secret in structured logs.
func (s Secret) LogValue() slog.Value {
	if s == "" {
		return slog.StringValue("")
	}
	return slog.StringValue("***")
}

// String masks the secret when formatted with %s or %v.
func (s Secret) String() string {
	return s.LogValue().String()
}

// Reveal returns the plain value.
func (s Secret) Reveal() string { return string(s) }
