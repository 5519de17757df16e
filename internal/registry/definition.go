package registry

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/cryptor"

	"yqhp/ot2-agent/internal/port"
)

// Kind tells whether an interface returns once or streams results.
type Kind string

const (
	KindFunction  Kind = "FUNCTION"
	KindGenerator Kind = "GENERATOR"
)

// Definition is the explicit signature of a registered interface.
type Definition struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        Kind         `json:"kind" yaml:"kind"`
	Blocking    bool         `json:"blocking" yaml:"blocking"`
	Args        []*port.Port `json:"args" yaml:"args"`
	Returns     []*port.Port `json:"returns" yaml:"returns"`
	Collections []string     `json:"collections,omitempty" yaml:"collections,omitempty"`
}

// canonicalJSON marshals with sorted map keys so equal definitions encode equally.
var canonicalJSON = sonic.ConfigStd

// Hash returns the sha256 of the canonical JSON encoding of d.
func (d *Definition) Hash() (string, error) {
	data, err := canonicalJSON.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode definition %s: %w", d.Name, err)
	}
	return cryptor.Sha256(string(data)), nil
}

// Validate checks the port lists of d.
func (d *Definition) Validate() error {
	if err := port.CheckPorts(d.Args); err != nil {
		return fmt.Errorf("args: %w", err)
	}
	if err := port.CheckPorts(d.Returns); err != nil {
		return fmt.Errorf("returns: %w", err)
	}
	return nil
}
