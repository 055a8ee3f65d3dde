package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Template - a named parameter set of one job
type Template struct {
	// Label is appended to the file prefix, empty keeps the job prefix.
	Label  string                 `yaml:"label"`
	Params map[string]interface{} `yaml:"params"`
}

// Target - one export of a fan-out job, e.g. a single warehouse
type Target struct {
	Name   string                 `yaml:"name"`
	Params map[string]interface{} `yaml:"params"`
}

// Job describes one vendor report.
type Job struct {
	URL             string
	ModuleName      string
	FilePrefix      string
	MaxWait         time.Duration
	Params          map[string]interface{}
	Templates       map[string]Template
	DefaultTemplate string
	Targets         []Target
}

type rawJob struct {
	URL             string                 `yaml:"url"`
	ModuleName      string                 `yaml:"moduleName"`
	FilePrefix      string                 `yaml:"filePrefix"`
	MaxWait         interface{}            `yaml:"maxWait"`
	Params          map[string]interface{} `yaml:"params"`
	Templates       map[string]Template    `yaml:"templates"`
	DefaultTemplate string                 `yaml:"defaultTemplate"`
	Targets         []Target               `yaml:"targets"`
}

// UnmarshalYAML ...
func (j *Job) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawJob
	if err := unmarshal(&raw); err != nil {
		return err
	}
	maxWait, err := parseDuration(raw.MaxWait)
	if err != nil {
		return fmt.Errorf("maxWait: %w", err)
	}
	*j = Job{
		URL:             raw.URL,
		ModuleName:      raw.ModuleName,
		FilePrefix:      raw.FilePrefix,
		MaxWait:         maxWait,
		Params:          normalizeMap(raw.Params),
		DefaultTemplate: raw.DefaultTemplate,
	}
	if len(raw.Templates) > 0 {
		j.Templates = make(map[string]Template, len(raw.Templates))
		for name, tpl := range raw.Templates {
			j.Templates[name] = Template{Label: tpl.Label, Params: normalizeMap(tpl.Params)}
		}
	}
	for _, target := range raw.Targets {
		j.Targets = append(j.Targets, Target{Name: target.Name, Params: normalizeMap(target.Params)})
	}
	return nil
}

// Prefix - file prefix, the module name unless configured
func (j Job) Prefix() string {
	if j.FilePrefix != "" {
		return j.FilePrefix
	}
	return j.ModuleName
}

// Validate ...
func (j Job) Validate() error {
	if j.URL == "" {
		return errors.New("url is required")
	}
	if j.ModuleName == "" {
		return errors.New("moduleName is required")
	}
	if j.MaxWait < 0 {
		return errors.New("maxWait must not be negative")
	}
	if err := fileSafe("file prefix", j.Prefix()); err != nil {
		return err
	}
	for name, tpl := range j.Templates {
		if err := fileSafe(fmt.Sprintf("template %q label", name), tpl.Label); err != nil {
			return err
		}
	}
	if j.DefaultTemplate != "" {
		if _, ok := j.Templates[j.DefaultTemplate]; !ok {
			return fmt.Errorf("default template %q is not defined", j.DefaultTemplate)
		}
	}
	seen := make(map[string]bool, len(j.Targets))
	for i, target := range j.Targets {
		if target.Name == "" {
			return fmt.Errorf("target #%d has no name", i+1)
		}
		if err := fileSafe("target name", target.Name); err != nil {
			return err
		}
		if seen[target.Name] {
			return fmt.Errorf("duplicated target %q", target.Name)
		}
		seen[target.Name] = true
	}
	return nil
}

// fileSafe rejects parts of a file name that would leave the downloads dir.
func fileSafe(what, part string) error {
	if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
		return fmt.Errorf("%s %q must not contain a path separator or be a dot name", what, part)
	}
	return nil
}

func parseDuration(v interface{}) (time.Duration, error) {
	switch value := v.(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(value) * time.Second, nil
	case float64:
		return time.Duration(value * float64(time.Second)), nil
	case string:
		return time.ParseDuration(value)
	default:
		return 0, fmt.Errorf("unsupported duration %v", v)
	}
}
