package config

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		current any
		raw     string
		want    any
		wantErr bool
	}{
		{name: "bool", current: true, raw: "false", want: false},
		{name: "bad bool", current: false, raw: "maybe", wantErr: true},
		{name: "int", current: 3, raw: "5", want: 5},
		{name: "bad int", current: 3, raw: "five", wantErr: true},
		{name: "float", current: 2.0, raw: "1.5", want: 1.5},
		{name: "list", current: []string{}, raw: "[--model, opus]", want: []string{"--model", "opus"}},
		{name: "bad list", current: []any{}, raw: "{a: b}", wantErr: true},
		{name: "string", current: "claude", raw: "/usr/local/bin/claude", want: "/usr/local/bin/claude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.current, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("coerce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("coerce() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDefaultConfigFileParses(t *testing.T) {
	var doc map[string]map[string]any
	if err := yaml.Unmarshal([]byte(defaultConfigFile), &doc); err != nil {
		t.Fatalf("default config is not valid YAML: %v", err)
	}
	for _, section := range []string{"registry", "ipc", "events", "monitor", "runner", "loop", "logging"} {
		if _, ok := doc[section]; !ok {
			t.Errorf("default config missing section %q", section)
		}
	}
}
