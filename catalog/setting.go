package catalog

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// Kind of a module switch
type Kind int

const (
	// Disabled - the job is skipped
	Disabled Kind = iota
	// EnabledWithDefaults - run with the job's own params and default template
	EnabledWithDefaults
	// EnabledWithParams - run with selected templates and/or param overrides
	EnabledWithParams
)

func (k Kind) String() string {
	switch k {
	case EnabledWithDefaults:
		return "enabled"
	case EnabledWithParams:
		return "enabled_with_params"
	default:
		return "disabled"
	}
}

// Setting is a module switch resolved at load time. Accepted YAML forms:
//
//	inventory: true                      # EnabledWithDefaults
//	sales: dairy_cold_drinks             # one template
//	sales: {dairy_cold_drinks: true}     # templates switched individually
//	delivery: {category_level: 2}        # param overrides
//	stock: {include_zero: true}          # boolean overrides, not template names
//
// A map of booleans stays ambiguous until Resolve sees the job's templates.
type Setting struct {
	Kind      Kind
	Templates []string
	Overrides map[string]interface{}

	flags map[string]interface{}
}

// Enabled ...
func (s Setting) Enabled() bool {
	return s.Kind != Disabled
}

// UnmarshalYAML ...
func (s *Setting) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var flag bool
	if err := unmarshal(&flag); err == nil {
		*s = Setting{Kind: Disabled}
		if flag {
			s.Kind = EnabledWithDefaults
		}
		return nil
	}
	var template string
	if err := unmarshal(&template); err == nil {
		if template == "" {
			*s = Setting{Kind: Disabled}
			return nil
		}
		*s = Setting{Kind: EnabledWithParams, Templates: []string{template}}
		return nil
	}
	var fields yaml.MapSlice
	if err := unmarshal(&fields); err != nil {
		return fmt.Errorf("module switch must be a bool, a template name or a map: %w", err)
	}
	if len(fields) == 0 {
		*s = Setting{Kind: Disabled}
		return nil
	}
	if allBool(fields) {
		var templates []string
		flags := make(map[string]interface{}, len(fields))
		for _, item := range fields {
			flags[fmt.Sprint(item.Key)] = item.Value
			if item.Value.(bool) {
				templates = append(templates, fmt.Sprint(item.Key))
			}
		}
		if len(templates) == 0 {
			*s = Setting{Kind: Disabled, flags: flags}
			return nil
		}
		*s = Setting{Kind: EnabledWithParams, Templates: templates, flags: flags}
		return nil
	}
	overrides := make(map[string]interface{}, len(fields))
	for _, item := range fields {
		overrides[fmt.Sprint(item.Key)] = normalize(item.Value)
	}
	*s = Setting{Kind: EnabledWithParams, Overrides: overrides}
	return nil
}

// Resolve settles a map of booleans against the job's templates. It selects
// templates when every key names one, otherwise the map is a set of param
// overrides and the job runs with them.
func (s Setting) Resolve(templates map[string]Template) Setting {
	if s.flags == nil {
		return s
	}
	for name := range s.flags {
		if _, ok := templates[name]; !ok {
			return Setting{Kind: EnabledWithParams, Overrides: s.flags}
		}
	}
	resolved := s
	resolved.flags = nil
	return resolved
}

func allBool(fields yaml.MapSlice) bool {
	for _, item := range fields {
		if _, ok := item.Value.(bool); !ok {
			return false
		}
	}
	return true
}

// Switch - named module setting
type Switch struct {
	Name    string
	Setting Setting
}

// Switches keep the order of the YAML map, which is the execution order.
type Switches []Switch

// UnmarshalYAML ...
func (sw *Switches) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var order yaml.MapSlice
	if err := unmarshal(&order); err != nil {
		return err
	}
	var settings map[string]Setting
	if err := unmarshal(&settings); err != nil {
		return err
	}
	result := make(Switches, 0, len(order))
	for _, item := range order {
		name := fmt.Sprint(item.Key)
		result = append(result, Switch{Name: name, Setting: settings[name]})
	}
	*sw = result
	return nil
}

// Enabled filters out disabled switches.
func (sw Switches) Enabled() Switches {
	var enabled Switches
	for _, s := range sw {
		if s.Setting.Enabled() {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// Find ...
func (sw Switches) Find(name string) (Switch, bool) {
	for _, s := range sw {
		if s.Name == name {
			return s, true
		}
	}
	return Switch{}, false
}

// normalize turns yaml.v2 map[interface{}]interface{} values into
// map[string]interface{} so params can be JSON encoded.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = normalize(item)
		}
		return out
	case yaml.MapSlice:
		out := make(map[string]interface{}, len(value))
		for _, item := range value {
			out[fmt.Sprint(item.Key)] = normalize(item.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return normalize(m).(map[string]interface{})
}
