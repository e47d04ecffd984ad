// generate.go - Greedy-Dekodierung ueber einen geladenen Checkpoint
// Hauptfunktionen: GenerateHandler, newGenerateCmd
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshlm/meshlm/envconfig"
	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
)

// GenerateHandler - Baut das Modell, laedt die Gewichte und dekodiert
// schrittweise ab dem Prompt
func GenerateHandler(cmd *cobra.Command, args []string) error {
	modelType, _ := cmd.Flags().GetString("type")
	promptArg, _ := cmd.Flags().GetString("prompt")
	steps, _ := cmd.Flags().GetInt("steps")
	seed, _ := cmd.Flags().GetUint64("seed")
	platformName, _ := cmd.Flags().GetString("platform")
	devices, _ := cmd.Flags().GetInt("devices")

	entry, err := model.ForType(modelType)
	if err != nil {
		return err
	}
	platform, err := parsePlatform(platformName)
	if err != nil {
		return err
	}
	prompt, err := parsePrompt(promptArg)
	if err != nil {
		return err
	}

	cfg := entry.NewConfig()
	cfg.Platform = platform
	cfg.UseFlash = envconfig.FlashAttention()

	m, err := entry.NewModel(cfg, ml.NewDevicePool(platform, devices), seed)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		flat, err := transform.ReadCheckpoint(f, nil)
		f.Close()
		if err != nil {
			return err
		}
		if err := m.LoadParameters(flat); err != nil {
			return err
		}
	}

	out, err := m.Generate([][]int32{prompt}, steps)
	if err != nil {
		return err
	}

	tokens := make([]string, len(out[0]))
	for i, id := range out[0] {
		tokens[i] = strconv.Itoa(int(id))
	}
	fmt.Println(strings.Join(tokens, " "))
	return nil
}

// parsePrompt - Zerlegt eine kommagetrennte Token-ID-Liste
func parsePrompt(s string) ([]int32, error) {
	if s == "" {
		return nil, errors.New("prompt must contain at least one token id")
	}
	parts := strings.Split(s, ",")
	ids := make([]int32, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "token %d", i)
		}
		ids[i] = int32(id)
	}
	return ids, nil
}

// newGenerateCmd - Erstellt den generate Command
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [CHECKPOINT]",
		Short: "Decode greedily from a prompt of token ids",
		Args:  cobra.MaximumNArgs(1),
		RunE:  GenerateHandler,
	}
	cmd.Flags().String("type", "", "Model architecture")
	cmd.Flags().String("prompt", "", "Comma separated prompt token ids")
	cmd.Flags().Int("steps", 16, "Number of tokens to generate")
	cmd.Flags().Uint64("seed", 0, "Parameter initialization seed")
	cmd.Flags().String("platform", envconfig.Platform(), "Device platform (gpu, tpu)")
	cmd.Flags().Int("devices", envconfig.Devices(), "Number of simulated devices")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
