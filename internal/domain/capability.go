package domain

import (
	"fmt"
	"strings"
)

// CapabilityKind is the closed set of built-in capability categories
type CapabilityKind string

const (
	KindFilesystem    CapabilityKind = "filesystem"
	KindGit           CapabilityKind = "git"
	KindDatabase      CapabilityKind = "database"
	KindWebSearch     CapabilityKind = "web_search"
	KindMemory        CapabilityKind = "memory"
	KindCodeExecution CapabilityKind = "code_execution"
	// KindCustom carries a free-form name in CapabilityType.Name
	KindCustom CapabilityKind = "custom"
)

const customPrefix = "custom:"

var builtinKinds = map[CapabilityKind]struct{}{
	KindFilesystem:    {},
	KindGit:           {},
	KindDatabase:      {},
	KindWebSearch:     {},
	KindMemory:        {},
	KindCodeExecution: {},
}

// CapabilityType identifies the category of work a backend performs.
// Built-in kinds leave Name empty; KindCustom always carries a Name.
type CapabilityType struct {
	Kind CapabilityKind
	Name string
}

// Builtin returns the capability type for a built-in kind
func Builtin(kind CapabilityKind) CapabilityType {
	return CapabilityType{Kind: kind}
}

// Custom returns a custom capability type with the given name
func Custom(name string) CapabilityType {
	return CapabilityType{Kind: KindCustom, Name: name}
}

// ParseCapabilityType parses the text form of a capability type.
// Known kind names map to built-ins, "custom:<name>" and any other bare name map to custom.
func ParseCapabilityType(s string) (CapabilityType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CapabilityType{}, fmt.Errorf("capability type cannot be empty")
	}

	if strings.HasPrefix(s, customPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(s, customPrefix))
		if name == "" {
			return CapabilityType{}, fmt.Errorf("custom capability type requires a name")
		}
		return Custom(name), nil
	}

	kind := CapabilityKind(strings.ToLower(s))
	if kind == KindCustom {
		return CapabilityType{}, fmt.Errorf("custom capability type requires a name")
	}
	if _, ok := builtinKinds[kind]; ok {
		return Builtin(kind), nil
	}
	return Custom(s), nil
}

// IsZero reports whether the type is unset
func (c CapabilityType) IsZero() bool {
	return c.Kind == ""
}

// Validate checks the type is a built-in kind or a named custom type
func (c CapabilityType) Validate() error {
	switch {
	case c.Kind == KindCustom:
		if c.Name == "" {
			return fmt.Errorf("custom capability type requires a name")
		}
		return nil
	case c.Kind == "":
		return fmt.Errorf("capability type is required")
	default:
		if _, ok := builtinKinds[c.Kind]; !ok {
			return fmt.Errorf("unknown capability kind %q", c.Kind)
		}
		if c.Name != "" {
			return fmt.Errorf("built-in capability kind %q cannot carry a name", c.Kind)
		}
		return nil
	}
}

// String returns the text form of the capability type
func (c CapabilityType) String() string {
	if c.Kind == KindCustom {
		return customPrefix + c.Name
	}
	return string(c.Kind)
}

// MarshalText implements encoding.TextMarshaler
func (c CapabilityType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CapabilityType) UnmarshalText(text []byte) error {
	parsed, err := ParseCapabilityType(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (c CapabilityType) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (c *CapabilityType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}
