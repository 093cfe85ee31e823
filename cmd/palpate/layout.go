package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// runLayout prints the shared record layout for consumers written in
// other languages.
func runLayout(w io.Writer) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tOFFSET\tCOUNT\tTYPE")
	for _, f := range telemetry.Layout {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", f.Name, f.Offset, f.Count, f.Kind)
	}
	fmt.Fprintf(tw, "total\t%d\t\t\n", telemetry.RecordSize)
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}
