package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/freundallein/erpexport/chassis/protocol"
)

// Catalog turns jobs and module switches into export requests.
type Catalog struct {
	jobs map[string]Job
	loc  *time.Location
}

// New ...
func New(jobs map[string]Job, loc *time.Location) *Catalog {
	if loc == nil {
		loc = time.Local
	}
	return &Catalog{jobs: jobs, loc: loc}
}

// Names of all jobs, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Job ...
func (c *Catalog) Job(name string) (Job, bool) {
	job, ok := c.jobs[name]
	return job, ok
}

// Requests builds the export requests of one job, one per selected template
// and target. A disabled setting yields none.
func (c *Catalog) Requests(name string, setting Setting, now time.Time) ([]protocol.ExportRequest, error) {
	job, ok := c.jobs[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	setting = setting.Resolve(job.Templates)
	if !setting.Enabled() {
		return nil, nil
	}
	templates := setting.Templates
	if len(templates) == 0 && job.DefaultTemplate != "" {
		templates = []string{job.DefaultTemplate}
	}
	vars := placeholders(now.In(c.loc))

	type layer struct {
		prefix string
		params map[string]interface{}
	}
	var layers []layer
	if len(templates) == 0 {
		layers = append(layers, layer{prefix: job.Prefix()})
	}
	for _, tplName := range templates {
		tpl, ok := job.Templates[tplName]
		if !ok {
			return nil, fmt.Errorf("job %q has no template %q", name, tplName)
		}
		layers = append(layers, layer{prefix: joinPrefix(job.Prefix(), tpl.Label), params: tpl.Params})
	}

	var requests []protocol.ExportRequest
	for _, l := range layers {
		base := merge(job.Params, l.params, setting.Overrides)
		if len(job.Targets) == 0 {
			requests = append(requests, c.request(name, job, l.prefix, base, vars))
			continue
		}
		for _, target := range job.Targets {
			params := merge(base, target.Params)
			requests = append(requests, c.request(name, job, joinPrefix(l.prefix, target.Name), params, vars))
		}
	}
	return requests, nil
}

func (c *Catalog) request(name string, job Job, prefix string, params map[string]interface{}, vars *strings.Replacer) protocol.ExportRequest {
	return protocol.ExportRequest{
		Job:        name,
		SubmitURL:  job.URL,
		Params:     expand(params, vars).(map[string]interface{}),
		ModuleName: job.ModuleName,
		FilePrefix: prefix,
		MaxWait:    job.MaxWait,
	}
}

func joinPrefix(prefix, label string) string {
	if label == "" {
		return prefix
	}
	return prefix + "_" + label
}

// merge copies layers left to right into a new map; later keys win.
func merge(layers ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func placeholders(now time.Time) *strings.Replacer {
	return strings.NewReplacer(
		"${today}", now.Format("2006-01-02"),
		"${yesterday}", now.AddDate(0, 0, -1).Format("2006-01-02"),
		"${now}", now.Format("2006-01-02 15:04:05"),
		"${now_iso}", now.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
}

// expand deep-copies v replacing placeholders in every string.
func expand(v interface{}, vars *strings.Replacer) interface{} {
	switch value := v.(type) {
	case string:
		return vars.Replace(value)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = expand(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = expand(item, vars)
		}
		return out
	default:
		return v
	}
}
