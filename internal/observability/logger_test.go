package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluiddial/pendant/internal/config"
)

func TestSetupLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pendant.log")
	log, err := SetupLogger(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("SetupLogger: %v", err)
	}
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	log.Info("dropped")
	log.Warn("selector: using serial transport", zap.String("kind", "serial"))
	log.Sync() //nolint:errcheck

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Fatalf("info entry written at warn level: %s", out)
	}
	if !strings.Contains(out, `"kind":"serial"`) {
		t.Fatalf("structured field missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug": zap.DebugLevel, "WARNING": zap.WarnLevel, "error": zap.ErrorLevel, "": zap.InfoLevel,
	} {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
