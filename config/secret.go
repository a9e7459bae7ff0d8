package config

const redacted = "*****"

// Secret is a string that is never printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer, so %#v doesn't leak the value either.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalYAML keeps secrets out of dumped configuration.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
