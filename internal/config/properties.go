package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Property is one configuration entry
type Property struct {
	Key   string
	Value interface{}
}

// Properties is an ordered key/value configuration handed to the checker
// on activation and on every update. It is replaced as a whole, never
// patched in place.
type Properties []Property

// NewProperties builds Properties from alternating key, value arguments
func NewProperties(kv ...interface{}) Properties {
	props := make(Properties, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		props = append(props, Property{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return props
}

// Get returns the value stored under key
func (p Properties) Get(key string) (interface{}, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in document order
func (p Properties) Keys() []string {
	keys := make([]string, len(p))
	for i, prop := range p {
		keys[i] = prop.Key
	}
	return keys
}

// Clone returns a copy that shares no backing array with p
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	copy(out, p)
	return out
}

// UnmarshalYAML decodes a YAML mapping keeping document order
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*p = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("properties must be a mapping, got line %d", node.Line)
	}

	props := make(Properties, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var value interface{}
		if err := valueNode.Decode(&value); err != nil {
			return fmt.Errorf("property %q: %w", keyNode.Value, err)
		}
		props = append(props, Property{Key: keyNode.Value, Value: value})
	}

	*p = props
	return nil
}

// MarshalYAML encodes the properties as a mapping in order
func (p Properties) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, prop := range p {
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(prop.Value); err != nil {
			return nil, fmt.Errorf("property %q: %w", prop.Key, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: prop.Key},
			valueNode,
		)
	}
	return node, nil
}
