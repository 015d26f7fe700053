package video

import "fmt"

// ConfigError reports an invariant violation in a source or destination
// configuration. It is returned before any connector or worker is created.
type ConfigError struct {
	// Field is the dotted path of the offending value, e.g.
	// "destinations[1].fps".
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s = %v: %s", e.Field, e.Value, e.Reason)
}

// Prefixed returns a copy of e whose field path is rooted at prefix.
func (e *ConfigError) Prefixed(prefix string) *ConfigError {
	n := *e
	if n.Field == "" {
		n.Field = prefix
	} else {
		n.Field = prefix + "." + n.Field
	}
	return &n
}
