// convert.go - Konvertierung von Torch-Checkpoints in das Stream-Format
// Hauptfunktionen: ConvertHandler, newConvertCmd
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshlm/meshlm/envconfig"
	"github.com/meshlm/meshlm/ml"
	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
)

// ConvertHandler - Laedt einen Torch-Checkpoint, benennt die Gewichte um
// und schreibt den msgpack-Stream
func ConvertHandler(cmd *cobra.Command, args []string) error {
	modelType, _ := cmd.Flags().GetString("type")
	output, _ := cmd.Flags().GetString("output")
	dtypeName, _ := cmd.Flags().GetString("dtype")
	check, _ := cmd.Flags().GetBool("check")

	entry, err := model.ForType(modelType)
	if err != nil {
		return err
	}
	dtype, err := parseDType(dtypeName)
	if err != nil {
		return err
	}

	stateDict, err := transform.LoadTorch(args[0])
	if err != nil {
		return err
	}
	slog.Info("loaded reference checkpoint", "path", args[0], "tensors", len(stateDict))

	flat, err := entry.Convert(stateDict)
	if err != nil {
		return err
	}

	if check {
		m, err := entry.NewModel(entry.NewConfig(), ml.NewDevicePool(ml.PlatformGPU, 1), 0)
		if err != nil {
			return err
		}
		if err := m.LoadParameters(flat); err != nil {
			return err
		}
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := transform.WriteCheckpoint(f, flat, nil, dtype); err != nil {
		return err
	}
	slog.Info("wrote checkpoint", "path", output, "tensors", len(flat))
	return nil
}

// newConvertCmd - Erstellt den convert Command
func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT",
		Short: "Convert a torch checkpoint into the streaming format",
		Args:  cobra.ExactArgs(1),
		RunE:  ConvertHandler,
	}
	cmd.Flags().String("type", "", "Model architecture (see 'meshlm inspect --list')")
	cmd.Flags().String("output", "model.ckpt", "Output checkpoint path")
	cmd.Flags().String("dtype", envconfig.CheckpointDType(), "Downcast floating weights (f32, f16, bf16)")
	cmd.Flags().Bool("check", false, "Load the converted weights into a fresh model before writing")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
