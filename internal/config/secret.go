package config

// Secret is a string that masks itself in all output paths. Use string(s)
// to access the real value.
type Secret string

const redacted = "[REDACTED]"

// String implements fmt.Stringer and masks the value. Empty secrets stay
// empty so unset credentials are visible as such in config dumps.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer so %#v does not leak the value.
func (s Secret) GoString() string {
	return redacted
}

// MarshalYAML masks the value when the config is serialized.
func (s Secret) MarshalYAML() (interface{}, error) {
	return redacted, nil
}

// MarshalJSON masks the value when the config is serialized.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
