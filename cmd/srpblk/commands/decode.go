package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sanboot/srpblk/internal/cli/output"
	"github.com/sanboot/srpblk/internal/scsi"
	"github.com/sanboot/srpblk/internal/srp"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a captured information unit",
	Long: `Decode an SRP information unit given as a hex string (whitespace
and ':' separators are ignored) and print its fields.

Example:
  srpblk decode 00000000000000005352506900000001...`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == ':' || r == '\n' || r == '\t' {
			return -1
		}
		return r
	}, args[0])

	iu, err := hex.DecodeString(clean)
	if err != nil {
		return fmt.Errorf("invalid hex input: %w", err)
	}
	if len(iu) == 0 {
		return fmt.Errorf("empty unit")
	}

	table := output.NewTableData("FIELD", "VALUE")
	table.AddRow("type", srp.TypeName(iu[0]))
	table.AddRow("length", fmt.Sprintf("%d bytes", len(iu)))

	switch iu[0] {
	case srp.TypeLoginReq:
		req, err := srp.ParseLoginReq(iu)
		if err != nil {
			return err
		}
		table.AddRow("tag", fmt.Sprintf("%#08x", req.Tag))
		table.AddRow("max IU length", fmt.Sprintf("%d", req.MaxIULen))
		table.AddRow("required formats", fmt.Sprintf("%#04x", req.Formats))
		table.AddRow("initiator", req.Initiator.String())
		table.AddRow("target", req.Target.String())

	case srp.TypeLoginRsp:
		rsp, err := srp.ParseLoginRsp(iu)
		if err != nil {
			return err
		}
		table.AddRow("tag", fmt.Sprintf("%#08x", rsp.Tag))
		table.AddRow("request limit delta", fmt.Sprintf("%d", rsp.RequestLimitDelta))
		table.AddRow("max IT IU length", fmt.Sprintf("%d", rsp.MaxITIULen))
		table.AddRow("max TI IU length", fmt.Sprintf("%d", rsp.MaxTIIULen))
		table.AddRow("supported formats", fmt.Sprintf("%#04x", rsp.Formats))

	case srp.TypeLoginRej:
		rej, err := srp.ParseLoginRej(iu)
		if err != nil {
			return err
		}
		table.AddRow("tag", fmt.Sprintf("%#08x", rej.Tag))
		table.AddRow("reason", fmt.Sprintf("%#08x", rej.Reason))

	case srp.TypeCmd:
		c, err := srp.ParseCmd(iu)
		if err != nil {
			return err
		}
		table.AddRow("tag", fmt.Sprintf("%#08x", c.Tag))
		table.AddRow("lun", scsi.LUN(c.LUN).String())
		table.AddRow("cdb", scsi.CDB(c.CDB).String())
		if c.DataOut != nil {
			table.AddRow("data-out", fmt.Sprintf("addr %#x handle %#x len %d",
				c.DataOut.Address, c.DataOut.Handle, c.DataOut.Len))
		}
		if c.DataIn != nil {
			table.AddRow("data-in", fmt.Sprintf("addr %#x handle %#x len %d",
				c.DataIn.Address, c.DataIn.Handle, c.DataIn.Len))
		}

	case srp.TypeRsp:
		r, err := srp.ParseRsp(iu)
		if err != nil {
			return err
		}
		table.AddRow("tag", fmt.Sprintf("%#08x", r.Tag))
		table.AddRow("status", fmt.Sprintf("%#02x", r.Status))
		table.AddRow("valid bits", fmt.Sprintf("%#02x", r.Valid))
		table.AddRow("residual", fmt.Sprintf("%d", r.Residual()))
		if len(r.Sense) > 0 {
			table.AddRow("sense", fmt.Sprintf("% 02x", r.Sense))
		}
	}

	return output.PrintTable(os.Stdout, table)
}
