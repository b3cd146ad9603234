package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sanboot/srpblk/internal/cli/output"
	"github.com/sanboot/srpblk/internal/scsi"
)

var lunCmd = &cobra.Command{
	Use:   "lun <lun>",
	Short: "Parse a LUN string and print its wire representation",
	Long: `Parse a logical unit number given as up to four '-'-separated
16-bit hexadecimal segments and print the resulting eight-byte wire form.

Examples:
  srpblk lun 0
  srpblk lun 1-2-0-0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lun, err := scsi.ParseLUN(args[0])
		if err != nil {
			return err
		}

		table := output.NewTableData("FIELD", "VALUE")
		table.AddRow("input", args[0])
		table.AddRow("canonical", lun.String())
		table.AddRow("wire bytes", fmt.Sprintf("% 02x", lun[:]))
		return output.PrintTable(os.Stdout, table)
	},
}
