// Package spectral provides the fixed-width channel vector used by every
// reference and sample in the system, plus the elementwise operations the
// calibration pipeline is built from.
package spectral

// NumChannels is the number of spectral channels reported by the sensor.
// Channel identity and ordering are a fixed contract shared by every
// reference vector and sample system-wide.
const NumChannels = 13

// channelLabels names each channel with its nominal centre wavelength (nm).
var channelLabels = [NumChannels]string{
	"F1 (405)", "F2 (425)", "FZ (450)", "F3 (475)", "F4 (515)",
	"FY (550)", "F5 (555)", "FXL (600)", "F6 (640)", "F7 (690)",
	"F8 (745)", "VIS (broad)", "NIR (855)",
}

// Labels returns a copy of the channel label list, in channel order.
func Labels() []string {
	out := make([]string, NumChannels)
	copy(out, channelLabels[:])
	return out
}

// Label returns the label for channel i, or "" if i is out of range.
func Label(i int) string {
	if i < 0 || i >= NumChannels {
		return ""
	}
	return channelLabels[i]
}
