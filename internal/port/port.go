// Package port describes the typed inputs and outputs of registered interfaces
// and converts values between their wire form and their in-process form.
package port

import (
	"fmt"
)

// Kind is the discriminator of a Port.
type Kind string

const (
	KindInt       Kind = "INT"
	KindFloat     Kind = "FLOAT"
	KindBool      Kind = "BOOL"
	KindString    Kind = "STRING"
	KindList      Kind = "LIST"
	KindDict      Kind = "DICT"
	KindStructure Kind = "STRUCTURE"
)

// IsPrimitive reports whether the kind carries a scalar value.
func (k Kind) IsPrimitive() bool {
	switch k {
	case KindInt, KindFloat, KindBool, KindString:
		return true
	}
	return false
}

// Port is a typed slot in an interface signature.
//
// LIST and DICT ports carry exactly one Child describing their elements.
// STRUCTURE ports name the structure Identifier whose expander/shrinker
// convert between handle strings and in-process values.
type Port struct {
	Key         string      `json:"key" yaml:"key"`
	Kind        Kind        `json:"kind" yaml:"kind"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Nullable    bool        `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Default     any         `json:"default,omitempty" yaml:"default,omitempty"`
	Identifier  string      `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Child       *Port       `json:"child,omitempty" yaml:"child,omitempty"`
	Validators  []Validator `json:"validators,omitempty" yaml:"validators,omitempty"`
}

// Int creates an INT port.
func Int(key string) *Port { return &Port{Key: key, Kind: KindInt} }

// Float creates a FLOAT port.
func Float(key string) *Port { return &Port{Key: key, Kind: KindFloat} }

// Bool creates a BOOL port.
func Bool(key string) *Port { return &Port{Key: key, Kind: KindBool} }

// String creates a STRING port.
func String(key string) *Port { return &Port{Key: key, Kind: KindString} }

// List creates a LIST port whose elements follow child.
func List(key string, child *Port) *Port {
	return &Port{Key: key, Kind: KindList, Child: child}
}

// Dict creates a DICT port whose values follow child.
func Dict(key string, child *Port) *Port {
	return &Port{Key: key, Kind: KindDict, Child: child}
}

// Structure creates a STRUCTURE port bound to identifier.
func Structure(key, identifier string) *Port {
	return &Port{Key: key, Kind: KindStructure, Identifier: identifier}
}

// WithDefault sets the value used when the input is null or cannot be coerced.
func (p *Port) WithDefault(v any) *Port {
	p.Default = v
	return p
}

// AsNullable allows null values.
func (p *Port) AsNullable() *Port {
	p.Nullable = true
	return p
}

// Describe sets the human readable description.
func (p *Port) Describe(s string) *Port {
	p.Description = s
	return p
}

// Validate appends validators that run on expanded values.
func (p *Port) Validate(vs ...Validator) *Port {
	p.Validators = append(p.Validators, vs...)
	return p
}

// Check verifies that the port tree is well formed.
func (p *Port) Check() error {
	if p == nil {
		return fmt.Errorf("port is nil")
	}
	return p.check(p.Key)
}

func (p *Port) check(path string) error {
	switch p.Kind {
	case KindInt, KindFloat, KindBool, KindString:
		if p.Child != nil {
			return fmt.Errorf("port `%s`: primitive port cannot have a child", path)
		}
	case KindList, KindDict:
		if p.Child == nil {
			return fmt.Errorf("port `%s`: %s port needs a child", path, p.Kind)
		}
		return p.Child.check(path + ".*")
	case KindStructure:
		if p.Identifier == "" {
			return fmt.Errorf("port `%s`: structure port needs an identifier", path)
		}
	default:
		return fmt.Errorf("port `%s`: unknown kind %q", path, p.Kind)
	}
	for _, v := range p.Validators {
		if err := v.check(); err != nil {
			return fmt.Errorf("port `%s`: %w", path, err)
		}
	}
	return nil
}

// CheckPorts verifies a port list: well formed trees and unique keys.
func CheckPorts(ports []*Port) error {
	seen := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if p == nil || p.Key == "" {
			return fmt.Errorf("port key must not be empty")
		}
		if _, dup := seen[p.Key]; dup {
			return fmt.Errorf("duplicate port key: %s", p.Key)
		}
		seen[p.Key] = struct{}{}
		if err := p.Check(); err != nil {
			return err
		}
	}
	return nil
}
