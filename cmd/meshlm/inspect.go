// inspect.go - Partitionsplan und Inhalt eines Checkpoints anzeigen
// Hauptfunktionen: InspectHandler, newInspectCmd
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshlm/meshlm/model"
	"github.com/meshlm/meshlm/transform"
	"github.com/meshlm/meshlm/transformer"
)

// InspectHandler - Liest einen Checkpoint und rendert pro Parameter
// Shape, dtype und die aufgeloeste Partitionierung
func InspectHandler(cmd *cobra.Command, args []string) error {
	if list, _ := cmd.Flags().GetBool("list"); list {
		for _, name := range model.Types() {
			fmt.Println(name)
		}
		return nil
	}
	if len(args) != 1 {
		return errors.New("inspect requires a checkpoint path (or --list)")
	}

	modelType, _ := cmd.Flags().GetString("type")
	fullyFSDP, _ := cmd.Flags().GetBool("fsdp")

	rules := transformer.DefaultPartitionRules(fullyFSDP)
	if modelType != "" {
		entry, err := model.ForType(modelType)
		if err != nil {
			return err
		}
		rules = entry.NewConfig().PartitionRules(fullyFSDP)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	flat, err := transform.ReadCheckpoint(f, nil)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	plan, err := rules.Plan(paths)
	if err != nil {
		return err
	}

	var data [][]string
	for _, p := range paths {
		t := flat[p]
		dims := make([]string, 0, t.Dims())
		for _, d := range t.Shape() {
			dims = append(dims, strconv.Itoa(d))
		}
		data = append(data, []string{p, strings.Join(dims, "x"), t.DType().String(), plan[p].String()})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"PARAMETER", "SHAPE", "DTYPE", "PARTITION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [CHECKPOINT]",
		Short: "Show the partition plan for a converted checkpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  InspectHandler,
	}
	cmd.Flags().String("type", "", "Resolve partitions with this architecture's rules")
	cmd.Flags().Bool("fsdp", false, "Use the fully sharded rule set")
	cmd.Flags().Bool("list", false, "List registered model architectures")
	return cmd
}
