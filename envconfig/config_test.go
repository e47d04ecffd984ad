// Modul: config_test.go
// Beschreibung: Tests für die Environment-Getter und ihre Defaults.
package envconfig

import (
	"log/slog"
	"testing"
)

func TestVarStripsQuotes(t *testing.T) {
	t.Setenv("MESHLM_PLATFORM", "  \"tpu\" ")
	if got := Platform(); got != "tpu" {
		t.Errorf("erwartet tpu, bekommen %q", got)
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("MESHLM_DEBUG", "")
	if got := LogLevel(); got != slog.LevelInfo {
		t.Errorf("erwartet Info ohne MESHLM_DEBUG, bekommen %v", got)
	}
	t.Setenv("MESHLM_DEBUG", "1")
	if got := LogLevel(); got != slog.LevelDebug {
		t.Errorf("erwartet Debug, bekommen %v", got)
	}
	t.Setenv("MESHLM_DEBUG", "2")
	if got := LogLevel(); got != slog.Level(-8) {
		t.Errorf("erwartet Level -8, bekommen %v", got)
	}
}

func TestDevicesFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("MESHLM_DEVICES", "eight")
	if got := Devices(); got != 1 {
		t.Errorf("erwartet Default 1, bekommen %d", got)
	}
	t.Setenv("MESHLM_DEVICES", "8")
	if got := Devices(); got != 8 {
		t.Errorf("erwartet 8, bekommen %d", got)
	}
}

func TestFlashAttentionDefaultsOff(t *testing.T) {
	t.Setenv("MESHLM_FLASH_ATTENTION", "")
	if FlashAttention() {
		t.Error("erwartet deaktivierten Fused-Pfad ohne Variable")
	}
	t.Setenv("MESHLM_FLASH_ATTENTION", "true")
	if !FlashAttention() {
		t.Error("erwartet aktivierten Fused-Pfad")
	}
}
