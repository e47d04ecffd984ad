// config.go - Environment-Konfiguration fuer meshlm
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (MESHLM_DEBUG)
// - Platform: Gibt Default-Plattform zurueck (MESHLM_PLATFORM)
// - Devices: Gibt simulierte Geraetezahl zurueck (MESHLM_DEVICES)
// - FlashAttention: Schaltet den Fused-Kernel-Pfad frei (MESHLM_FLASH_ATTENTION)
// - CheckpointDType: Default-Downcast beim Schreiben (MESHLM_CHECKPOINT_DTYPE)
// - AsMap: Gibt alle Konfigurationen als Map zurueck
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via MESHLM_DEBUG (bool oder numerisches Level)
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("MESHLM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Platform gibt die Default-Plattform zurueck
// Konfigurierbar via MESHLM_PLATFORM
// Default: gpu
func Platform() string {
	if s := Var("MESHLM_PLATFORM"); s != "" {
		return s
	}
	return "gpu"
}

// Devices gibt die simulierte Geraetezahl zurueck
// Konfigurierbar via MESHLM_DEVICES
// Default: 1
func Devices() int {
	if s := Var("MESHLM_DEVICES"); s != "" {
		if n, err := strconv.Atoi(s); err != nil || n < 1 {
			slog.Warn("invalid environment variable, using default", "key", "MESHLM_DEVICES", "value", s, "default", 1)
		} else {
			return n
		}
	}
	return 1
}

// FlashAttention schaltet den gekachelten Attention-Pfad frei
// Konfigurierbar via MESHLM_FLASH_ATTENTION
func FlashAttention() bool {
	b, _ := strconv.ParseBool(Var("MESHLM_FLASH_ATTENTION"))
	return b
}

// CheckpointDType gibt den Default-Downcast beim Schreiben zurueck
// Konfigurierbar via MESHLM_CHECKPOINT_DTYPE (f32, f16, bf16; leer = kein Downcast)
func CheckpointDType() string {
	return Var("MESHLM_CHECKPOINT_DTYPE")
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"MESHLM_DEBUG":            {"MESHLM_DEBUG", LogLevel(), "Show additional debug information (e.g. MESHLM_DEBUG=1)"},
		"MESHLM_PLATFORM":         {"MESHLM_PLATFORM", Platform(), "Default device platform (gpu or tpu)"},
		"MESHLM_DEVICES":          {"MESHLM_DEVICES", Devices(), "Number of simulated devices in the pool"},
		"MESHLM_FLASH_ATTENTION":  {"MESHLM_FLASH_ATTENTION", FlashAttention(), "Enable the fused attention kernel path"},
		"MESHLM_CHECKPOINT_DTYPE": {"MESHLM_CHECKPOINT_DTYPE", CheckpointDType(), "Default dtype when writing checkpoints (f32, f16, bf16)"},
	}
}
