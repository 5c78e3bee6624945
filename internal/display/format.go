// Package display formats readings for the console and renders spectrum
// charts for the dashboard.
package display

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/spectral"
)

// Display clamps for percent columns. Values below the floor or above the
// ceiling are more usefully shown as bounds than as noise digits.
const (
	percentFloor = 0.1
	percentCeil  = 999.0
)

// FormatPercent renders a percent value for a fixed-width column.
func FormatPercent(v float64) string {
	switch {
	case v < percentFloor:
		return "<0.1"
	case v > percentCeil:
		return ">999"
	default:
		return fmt.Sprintf("%.1f", v)
	}
}

// FormatAbsorbance renders an absorbance value.
func FormatAbsorbance(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// FormatCounts renders a raw or dark-subtracted intensity.
func FormatCounts(v float64) string {
	return fmt.Sprintf("%.0f", v)
}

// formatValue picks the column format for a mode's primary quantity.
func formatValue(mode calib.Mode, v float64) string {
	switch mode {
	case calib.ModeRaw:
		return FormatCounts(v)
	case calib.ModeAbsorbance, calib.ModeAbsTx:
		return FormatAbsorbance(v)
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

// WriteTable renders one reading as a channel table. The percent column is
// only present for modes that produce one.
func WriteTable(w io.Writer, well string, d calib.Derived) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	if d.Percent != nil {
		fmt.Fprintf(tw, "well %s\tmode %s\t\n", well, d.Mode)
		fmt.Fprintf(tw, "channel\tvalue\tpercent\n")
		for i, v := range d.Values {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", spectral.Label(i), formatValue(d.Mode, v), FormatPercent(d.Percent[i]))
		}
	} else {
		fmt.Fprintf(tw, "well %s\tmode %s\n", well, d.Mode)
		fmt.Fprintf(tw, "channel\tvalue\n")
		for i, v := range d.Values {
			fmt.Fprintf(tw, "%s\t%s\n", spectral.Label(i), formatValue(d.Mode, v))
		}
	}
	return tw.Flush()
}
