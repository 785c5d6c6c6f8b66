package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Server.Address == "" {
		t.Error("default address is empty")
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := loadConfig(t.TempDir() + "/missing.yaml"); err == nil {
		t.Error("loadConfig() succeeded for a missing file")
	}
}

func TestResolvePassword(t *testing.T) {
	t.Setenv(passwordEnv, "from-env")

	f := clientFlags{password: "from-flag"}
	if err := f.resolvePassword(); err != nil || f.password != "from-flag" {
		t.Errorf("flag password = %q, %v", f.password, err)
	}

	f = clientFlags{}
	if err := f.resolvePassword(); err != nil || f.password != "from-env" {
		t.Errorf("env password = %q, %v", f.password, err)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf)

	p(512, 2048)
	p(1024, 2048) // throttled
	p(2048, 2048)

	out := buf.String()
	if !strings.Contains(out, "512 B / 2.0 KiB (25%)") {
		t.Errorf("first update missing: %q", out)
	}
	if strings.Contains(out, "1.0 KiB / 2.0 KiB") {
		t.Errorf("throttled update printed: %q", out)
	}
	if !strings.HasSuffix(out, "2.0 KiB / 2.0 KiB (100%)   \n") {
		t.Errorf("final update = %q", out)
	}
}
