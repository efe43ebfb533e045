package service

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	base := Definition{Name: "web", Command: "/usr/bin/true", RestartPolicy: RestartNever}

	tests := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{"valid", func(d *Definition) {}, ""},
		{"empty name", func(d *Definition) { d.Name = "" }, "name"},
		{"bad name chars", func(d *Definition) { d.Name = "a/b" }, "name"},
		{"dotdot name", func(d *Definition) { d.Name = "a..b" }, "name"},
		{"empty command", func(d *Definition) { d.Command = "  " }, "command"},
		{"bad policy", func(d *Definition) { d.RestartPolicy = "sometimes" }, "restart_policy"},
		{"negative stop timeout", func(d *Definition) { d.StopTimeout = -time.Second }, "stop_timeout"},
		{"env key with equals", func(d *Definition) { d.Env = map[string]string{"A=B": "x"} }, "environment"},
		{"empty env key", func(d *Definition) { d.Env = map[string]string{"": "x"} }, "environment"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mutate(&d)
			err := d.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, ve.Field)
			}
		})
	}
}

func TestNormalizeDefaultsPolicy(t *testing.T) {
	d := Definition{Name: "x", Command: "true"}
	d.Normalize()
	if d.RestartPolicy != RestartNever {
		t.Fatalf("expected default policy never, got %q", d.RestartPolicy)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("normalized definition should validate: %v", err)
	}
}

func TestValidName(t *testing.T) {
	good := []string{"web", "web-1", "a.b_c", "UPPER", "0"}
	bad := []string{"", "a b", "a/b", `a\b`, "..", "x..y", "naïve"}
	for _, s := range good {
		if !ValidName(s) {
			t.Errorf("expected %q valid", s)
		}
	}
	for _, s := range bad {
		if ValidName(s) {
			t.Errorf("expected %q invalid", s)
		}
	}
}

func TestMergeEnv(t *testing.T) {
	inherited := []string{"PATH=/usr/bin", "HOME=/home/u", "LANG=C"}
	merged := MergeEnv(inherited, map[string]string{"HOME": "/override", "EXTRA": "1"})

	got := map[string]string{}
	for _, kv := range merged {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["HOME"] != "/override" {
		t.Fatalf("override lost: %v", merged)
	}
	if got["PATH"] != "/usr/bin" || got["LANG"] != "C" {
		t.Fatalf("inherited entries lost: %v", merged)
	}
	if got["EXTRA"] != "1" {
		t.Fatalf("extra entry lost: %v", merged)
	}
	for i := 1; i < len(merged); i++ {
		if merged[i-1] >= merged[i] {
			t.Fatalf("result not sorted: %v", merged)
		}
	}
}

func TestBuildCommand(t *testing.T) {
	d := Definition{
		Name:    "x",
		Command: "/bin/sh",
		Args:    []string{"-c", "true"},
		WorkDir: "/tmp",
		Env:     map[string]string{"FOO": "bar"},
	}
	cmd := d.BuildCommand()
	if cmd.Dir != "/tmp" {
		t.Fatalf("workdir not applied: %q", cmd.Dir)
	}
	if len(cmd.Args) != 3 || cmd.Args[0] != "/bin/sh" {
		t.Fatalf("unexpected argv: %v", cmd.Args)
	}
	found := false
	for _, kv := range cmd.Env {
		if kv == "FOO=bar" {
			found = true
		}
	}
	if !found {
		t.Fatalf("environment override missing")
	}
}
