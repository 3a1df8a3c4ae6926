package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gh-nvat/virtest/src/pkg/config"
	log "github.com/sirupsen/logrus"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtest")

	out, err := execute(t, "init", path)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	if !strings.Contains(out, path+".yaml") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(path + ".yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("template does not validate: %v", err)
	}
}

func TestNotImplementedCommands(t *testing.T) {
	if _, err := execute(t, "execute-test", "load.js"); err != nil {
		t.Errorf("execute-test error = %v", err)
	}
	if _, err := execute(t, "run"); err != nil {
		t.Errorf("run error = %v", err)
	}
	if _, err := execute(t, "execute-test"); err == nil {
		t.Error("execute-test without a script should fail")
	}
}

func TestLogLevel(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	if _, err := execute(t, "--log-level", "debug", "run"); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}

	if _, err := execute(t, "--log-level", "loud", "run"); err == nil {
		t.Error("invalid log level should fail")
	}
}

func TestProxyResultFlags(t *testing.T) {
	cmd := newRootCmd()
	sub, _, err := cmd.Find([]string{"proxy-result"})
	if err != nil {
		t.Fatal(err)
	}
	flag := sub.Flags().Lookup("local-port")
	if flag == nil || flag.DefValue != "2525" {
		t.Errorf("local-port flag = %+v", flag)
	}
}
