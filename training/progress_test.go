package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/go-landscape/layers"
)

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter("Loss", "%.4e")
	if _, ok := m.Average(); ok {
		t.Fatal("average defined before the first update")
	}

	m.Update(2, 3)
	m.Update(4, 1)
	m.Update(100, 0)

	avg, ok := m.Average()
	if !ok || avg != 2.5 {
		t.Errorf("average = %v, %v; want 2.5", avg, ok)
	}
	if m.Val != 4 || m.Count != 4 || m.Sum != 10 {
		t.Errorf("unexpected state %+v", m)
	}
	if got := m.String(); got != "Loss 4.0000e+00 (2.5000e+00)" {
		t.Errorf("String() = %q", got)
	}

	m.Reset()
	if _, ok := m.Average(); ok || m.Sum != 0 || m.Val != 0 {
		t.Errorf("Reset left %+v", m)
	}
}

func TestProgressMeter(t *testing.T) {
	var buf bytes.Buffer
	loss := NewAverageMeter("Loss", "%.2f")
	acc := NewAverageMeter("Acc@1", "%6.2f")
	loss.Update(1.5, 2)
	acc.Update(50, 2)

	p := NewProgressMeter(&buf, 120, "Epoch: [3]", loss, acc)
	p.Display(7)

	want := "Epoch: [3][007/120]\tLoss 1.50 (1.50)\tAcc@1  50.00 ( 50.00)\n"
	if got := buf.String(); got != want {
		t.Errorf("Display wrote %q, want %q", got, want)
	}
	if got := NewProgressMeter(&buf, 9, "Test: ").Line(3); got != "Test: [3/9]" {
		t.Errorf("Line = %q", got)
	}
}

func TestPrintArchitecture(t *testing.T) {
	spec, err := layers.Architecture("mlp", []int{1, 4}, 3, []int{8})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	PrintArchitecture(&buf, "mlp", spec)
	out := buf.String()

	for _, want := range []string{"mlp(", "in_features=4, out_features=8", "ReLU()", "Total parameters: 67"} {
		if !strings.Contains(out, want) {
			t.Errorf("architecture listing missing %q:\n%s", want, out)
		}
	}
	if formatParameterCount(1234567) != "1,234,567" {
		t.Errorf("formatParameterCount = %s", formatParameterCount(1234567))
	}
}
