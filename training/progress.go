package training

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tsawler/go-landscape/layers"
)

// AverageMeter computes and stores the average and current value of one
// quantity over a phase.
type AverageMeter struct {
	Name   string
	Format string // fmt verb for Val and Avg, e.g. "%6.2f"

	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// NewAverageMeter creates a meter. An empty format defaults to "%f".
func NewAverageMeter(name, format string) *AverageMeter {
	if format == "" {
		format = "%f"
	}
	return &AverageMeter{Name: name, Format: format}
}

// Reset clears all statistics
func (m *AverageMeter) Reset() {
	m.Val, m.Sum, m.Count, m.Avg = 0, 0, 0, 0
}

// Update folds val, observed n times, into the running mean. n <= 0 leaves
// the meter unchanged.
func (m *AverageMeter) Update(val float64, n int) {
	if n <= 0 {
		return
	}
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

// Average returns the running mean and false before the first update.
func (m *AverageMeter) Average() (float64, bool) {
	if m.Count == 0 {
		return 0, false
	}
	return m.Avg, true
}

// String formats the current and average value
func (m *AverageMeter) String() string {
	return fmt.Sprintf("%s "+m.Format+" ("+m.Format+")", m.Name, m.Val, m.Avg)
}

// ProgressMeter prints a "[step/total]" prefix followed by its meters,
// tab separated, in registration order.
type ProgressMeter struct {
	out      io.Writer
	batchFmt string
	meters   []*AverageMeter
	prefix   string
}

// NewProgressMeter creates a meter line for a phase of numBatches steps.
func NewProgressMeter(out io.Writer, numBatches int, prefix string, meters ...*AverageMeter) *ProgressMeter {
	digits := len(strconv.Itoa(numBatches))
	return &ProgressMeter{
		out:      out,
		batchFmt: "[%0" + strconv.Itoa(digits) + "d/" + strconv.Itoa(numBatches) + "]",
		meters:   meters,
		prefix:   prefix,
	}
}

// Line renders the progress line for batch without writing it.
func (p *ProgressMeter) Line(batch int) string {
	entries := make([]string, 0, len(p.meters)+1)
	entries = append(entries, p.prefix+fmt.Sprintf(p.batchFmt, batch))
	for _, m := range p.meters {
		entries = append(entries, m.String())
	}
	return strings.Join(entries, "\t")
}

// Display writes the progress line for batch
func (p *ProgressMeter) Display(batch int) {
	fmt.Fprintln(p.out, p.Line(batch))
}

// PrintArchitecture writes a PyTorch-style listing of spec to out.
func PrintArchitecture(out io.Writer, name string, spec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*8)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Dense:
		in := layers.GetIntParam(layer.Parameters, "input_size", 0)
		out := layers.GetIntParam(layer.Parameters, "output_size", 0)
		bias := layers.GetBoolParam(layer.Parameters, "use_bias", true)
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)", layer.Name, in, out, bias)
	case layers.LeakyReLU:
		slope := layers.GetFloatParam(layer.Parameters, "negative_slope", 0.01)
		return fmt.Sprintf("(%s): LeakyReLU(negative_slope=%g)", layer.Name, slope)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

// formatParameterCount formats parameter count with commas
func formatParameterCount(count int64) string {
	s := strconv.FormatInt(count, 10)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
