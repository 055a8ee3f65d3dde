package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/freundallein/erpexport/catalog"
)

const minimal = `
vendor:
  historyURL: http://erp.local/history
  timezone: UTC
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"timeout", cfg.Transport.Timeout.D(), 30 * time.Second},
		{"retryDelay", cfg.Transport.RetryDelay.D(), 2 * time.Second},
		{"pollInterval", cfg.Export.PollInterval.D(), 15 * time.Second},
		{"settle", cfg.Export.Settle.D(), 20 * time.Second},
		{"maxWait", cfg.Export.MaxWait.D(), 300 * time.Second},
		{"tolerance", cfg.Export.Tolerance.D(), 5 * time.Second},
		{"staleTimeout", cfg.Supervisor.StaleTimeout.D(), time.Hour},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, c.got)
		}
	}
	if cfg.Transport.Retries != 3 || cfg.Export.PageSize != 200 {
		t.Fatalf("unexpected retries %d or page size %d", cfg.Transport.Retries, cfg.Export.PageSize)
	}
	if cfg.Vendor.ProcessingCode != 2006 || cfg.Vendor.DoneState != 1 {
		t.Fatalf("unexpected vendor codes %+v", cfg.Vendor)
	}
	if len(cfg.Vendor.KnownStates) != 2 {
		t.Fatalf("expected default known states, got %v", cfg.Vendor.KnownStates)
	}
	if cfg.Scheduler.Schedule != "0 7 * * *" || cfg.Metrics.Addr != ":2112" {
		t.Fatalf("unexpected scheduler %q or metrics %q", cfg.Scheduler.Schedule, cfg.Metrics.Addr)
	}
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
transport:
  timeout: 45
  retryDelay: 1.5
export:
  pollInterval: 500ms
  settle: -1
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Timeout.D() != 45*time.Second {
		t.Fatalf("plain seconds: got %s", cfg.Transport.Timeout.D())
	}
	if cfg.Transport.RetryDelay.D() != 1500*time.Millisecond {
		t.Fatalf("fractional seconds: got %s", cfg.Transport.RetryDelay.D())
	}
	if cfg.Export.PollInterval.D() != 500*time.Millisecond {
		t.Fatalf("duration string: got %s", cfg.Export.PollInterval.D())
	}
	if cfg.Export.Settle.D() != 0 {
		t.Fatalf("negative settle disables the pause, got %s", cfg.Export.Settle.D())
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no history url", "vendor: {timezone: UTC}", "historyURL"},
		{"bad timezone", "vendor: {historyURL: x, timezone: Mars/Base}", "vendor.timezone"},
		{"bad chance", minimal + "transport: {errorChance: 2}", "errorChance"},
		{"bad duration", minimal + "export: {maxWait: soon}", "parse duration"},
		{"job without url", minimal + "jobs: {stock: {moduleName: 库存查询}}", "job stock: url is required"},
		{"switch without job", minimal + "modules: {stock: true}", "no job definition"},
		{"unknown template", minimal + `
jobs:
  sales: {url: http://erp.local/sales, moduleName: 商品销售分析}
modules:
  sales: dairy
`, "unknown template"},
		{"separator in target", minimal + `
jobs:
  stock:
    url: http://erp.local/stock
    moduleName: 库存库位明细
    targets: [{name: 仓库A/1}]
`, "path separator"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("expected error containing %q, got %v", c.want, err)
			}
		})
	}
}

func TestReadUsesCfgPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(minimal+`
jobs:
  stock: {url: http://erp.local/stock, moduleName: 库存查询}
modules:
  stock: true
`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CFG_PATH", path)
	cfg, err := Read()
	if err != nil {
		t.Fatal(err)
	}
	sw, ok := cfg.Modules.Find("stock")
	if !ok || sw.Setting.Kind != catalog.EnabledWithDefaults {
		t.Fatalf("unexpected switch %+v", sw)
	}
	if cfg.LogLevel("scheduler") != "" {
		t.Fatalf("unset log level must stay empty")
	}
}

func TestReadWithoutCfgPath(t *testing.T) {
	t.Setenv("CFG_PATH", "")
	if _, err := Read(); err == nil {
		t.Fatal("expected an error without CFG_PATH")
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := ReadFile(filepath.Join("..", "..", "config.example.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(cfg.Modules.Enabled()); got != 4 {
		t.Fatalf("expected every example module enabled, got %d", got)
	}
	if cfg.Jobs["sales_analysis"].MaxWait != 600*time.Second {
		t.Fatalf("unexpected sales maxWait %s", cfg.Jobs["sales_analysis"].MaxWait)
	}
}

func TestBooleanMapOverridesWithoutTemplates(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
jobs:
  stock: {url: http://erp.local/stock, moduleName: 库存查询}
modules:
  stock: {include_zero: true}
`))
	if err != nil {
		t.Fatal(err)
	}
	sw, _ := cfg.Modules.Find("stock")
	if sw.Setting.Kind != catalog.EnabledWithParams || sw.Setting.Overrides["include_zero"] != true || len(sw.Setting.Templates) != 0 {
		t.Fatalf("expected a boolean override, got %+v", sw.Setting)
	}
}
