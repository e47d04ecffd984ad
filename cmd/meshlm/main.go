// main.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, main
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshlm/meshlm/envconfig"
	"github.com/meshlm/meshlm/ml"

	_ "github.com/meshlm/meshlm/model/models/falcon"
	_ "github.com/meshlm/meshlm/model/models/gptj"
	_ "github.com/meshlm/meshlm/model/models/gptneox"
	_ "github.com/meshlm/meshlm/model/models/mistral"
	_ "github.com/meshlm/meshlm/model/models/opt"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "meshlm",
		Short:         "Sharded transformer model toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := envconfig.LogLevel()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = slog.LevelDebug
			}
			slog.SetLogLoggerLevel(level)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	convertCmd := newConvertCmd()
	inspectCmd := newInspectCmd()
	generateCmd := newGenerateCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(convertCmd, []envconfig.EnvVar{envVars["MESHLM_DEBUG"], envVars["MESHLM_CHECKPOINT_DTYPE"]})
	appendEnvDocs(generateCmd, []envconfig.EnvVar{
		envVars["MESHLM_DEBUG"],
		envVars["MESHLM_PLATFORM"],
		envVars["MESHLM_DEVICES"],
		envVars["MESHLM_FLASH_ATTENTION"],
	})

	rootCmd.AddCommand(
		convertCmd,
		inspectCmd,
		generateCmd,
	)

	return rootCmd
}

// parseDType - Uebersetzt einen dtype-Flagwert in den internen Typ
func parseDType(name string) (ml.DType, error) {
	switch name {
	case "":
		return ml.DTypeOther, nil
	case "f32":
		return ml.DTypeF32, nil
	case "f16":
		return ml.DTypeF16, nil
	case "bf16":
		return ml.DTypeBF16, nil
	}
	return ml.DTypeOther, errors.Errorf("unknown dtype %q (choose f32, f16 or bf16)", name)
}

// parsePlatform - Uebersetzt einen platform-Flagwert in den internen Typ
func parsePlatform(name string) (ml.Platform, error) {
	switch p := ml.Platform(name); p {
	case ml.PlatformGPU, ml.PlatformTPU:
		return p, nil
	}
	return "", errors.Errorf("unknown platform %q (choose gpu or tpu)", name)
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
