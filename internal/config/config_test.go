package config

import (
	"strings"
	"testing"
)

const validYAML = `
logLevel: debug
datasets:
  - id: avhrr-sst
    backend: indexed
    solr:
      url: http://localhost:8983/solr
      collection: nexustiles
    blob:
      url: file:///data/tiles
  - id: sst-daily
    backend: columnar
    columnar:
      store: /data/sst.duckdb
      table: obs
      variable: sst
      metaVariables: [wind_speed]
      timeColumn: t
      latColumn: lat
      lonColumn: lon
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("logLevel=%q", cfg.LogLevel)
	}
	if len(cfg.Datasets) != 2 {
		t.Fatalf("datasets=%d, want 2", len(cfg.Datasets))
	}

	ds := cfg.Datasets[0]
	if ds.Backend != BackendIndexed || ds.Solr.Collection != "nexustiles" {
		t.Fatalf("dataset 0 = %+v", ds)
	}
	ds = cfg.Datasets[1]
	if ds.Backend != BackendColumnar || ds.Columnar.MetaVariables[0] != "wind_speed" {
		t.Fatalf("dataset 1 = %+v", ds)
	}
}

func TestParseDefaultsLogLevel(t *testing.T) {
	raw := strings.Replace(validYAML, "logLevel: debug\n", "", 1)
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("logLevel=%q, want info", cfg.LogLevel)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "datasets: []", "no datasets"},
		{"missing id", `
datasets:
  - backend: indexed
    solr: {url: http://x, collection: c}
    blob: {url: mem://}
`, "has no id"},
		{"duplicate id", `
datasets:
  - {id: a, backend: columnar, columnar: {table: t, variable: v, timeColumn: t, latColumn: la, lonColumn: lo}}
  - {id: a, backend: columnar, columnar: {table: t, variable: v, timeColumn: t, latColumn: la, lonColumn: lo}}
`, "duplicate dataset id"},
		{"unknown backend", `
datasets:
  - {id: a, backend: cassandra}
`, "unknown backend"},
		{"indexed missing solr", `
datasets:
  - {id: a, backend: indexed, blob: {url: mem://}}
`, "needs solr.url"},
		{"columnar missing columns", `
datasets:
  - {id: a, backend: columnar, columnar: {table: t}}
`, "coordinate columns"},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.yaml))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: err=%v, want containing %q", c.name, err, c.want)
		}
	}
}
