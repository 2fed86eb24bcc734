// Package records persists the append-only training, validation, sharpness
// and noise logs. Each log is a CSV file with one header line followed by one
// line per event.
package records

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Column headers of the four logs.
var (
	TrainHeader     = []string{"epoch", "loss", "accu1"}
	ValidHeader     = []string{"epoch", "valloss", "valaccu"}
	SharpnessHeader = []string{"epoch", "sharpness", "dir_sharpness"}
	NoiseHeader     = []string{
		"epoch", "sto_grad_norm", "stograd_linf", "noisenorm", "gradnorm",
		"l1norm", "linfnorm", "update_size", "change_in_grad_sq", "momentum_size",
	}
)

// Row is one log line.
type Row interface {
	Fields() []string
}

// Sink receives rows for a single log.
type Sink interface {
	Append(row Row) error
}

// EpochRow is a train or valid log line: the epoch's mean loss and top-1 accuracy.
type EpochRow struct {
	Epoch int
	Loss  float64
	Acc1  float64
}

// Fields formats the row in TrainHeader/ValidHeader order.
func (r EpochRow) Fields() []string {
	return []string{strconv.Itoa(r.Epoch), fixed(r.Loss, 5), fixed(r.Acc1, 5)}
}

// SharpnessRow is one line of the sharpness log.
type SharpnessRow struct {
	Epoch        int
	Sharpness    float64
	DirSharpness float64
}

// Fields formats the row in SharpnessHeader order.
func (r SharpnessRow) Fields() []string {
	return []string{strconv.Itoa(r.Epoch), fixed(r.Sharpness, 5), fixed(r.DirSharpness, 5)}
}

// NoiseRow holds the averaged stochastic-gradient statistics of one measurement.
type NoiseRow struct {
	Epoch        int
	StoGradNorm  float64 // mean ||g_i||²
	StoGradLInf  float64 // mean ||g_i - g||∞
	NoiseNorm    float64 // mean ||g_i - g||²
	GradNorm     float64 // ||g||²
	L1Norm       float64
	LInfNorm     float64
	UpdateSize   float64
	GradChange   float64 // ||g - g_prev||²
	MomentumSize float64
}

// Fields formats the row in NoiseHeader order.
func (r NoiseRow) Fields() []string {
	return []string{
		strconv.Itoa(r.Epoch),
		fixed(r.StoGradNorm, 3), fixed(r.StoGradLInf, 3), fixed(r.NoiseNorm, 3),
		fixed(r.GradNorm, 3), fixed(r.L1Norm, 3), fixed(r.LInfNorm, 3),
		fixed(r.UpdateSize, 3), fixed(r.GradChange, 3), fixed(r.MomentumSize, 3),
	}
}

func fixed(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// CSVSink appends rows to a CSV file, flushing after every row.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// CreateCSV creates (or truncates) path and writes header.
func CreateCSV(path string, header []string) (*CSVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", path, err)
	}
	s := &CSVSink{file: file, w: csv.NewWriter(file)}
	if err := s.write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	return s, nil
}

func (s *CSVSink) write(fields []string) error {
	if err := s.w.Write(fields); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Append writes row and flushes it to disk.
func (s *CSVSink) Append(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(row.Fields()); err != nil {
		return fmt.Errorf("failed to append to %s: %w", s.file.Name(), err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// MemorySink keeps rows in memory. It is safe for concurrent use.
type MemorySink struct {
	mu   sync.Mutex
	rows []Row
}

// Append stores row.
func (s *MemorySink) Append(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

// Rows returns a copy of the appended rows.
func (s *MemorySink) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

// Len returns the number of stored rows.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Discard drops every row.
type Discard struct{}

// Append drops row.
func (Discard) Append(Row) error { return nil }

// Gate returns sink on the primary process and Discard everywhere else.
func Gate(sink Sink, primary bool) Sink {
	if primary {
		return sink
	}
	return Discard{}
}

// Book groups the four logs of a run.
type Book struct {
	Train     Sink
	Valid     Sink
	Sharpness Sink
	Noise     Sink

	closers []*CSVSink
}

// Log file names inside the save directory.
const (
	TrainFile     = "train.csv"
	ValidFile     = "valid.csv"
	SharpnessFile = "sharpness.csv"
	NoiseFile     = "noise.csv"
)

// OpenBook creates the four CSV logs in dir. Only the primary process touches
// the filesystem; other processes get a book that discards every row.
func OpenBook(dir string, primary bool) (*Book, error) {
	if !primary {
		return DiscardBook(), nil
	}

	b := &Book{}
	files := []struct {
		name   string
		header []string
		dst    *Sink
	}{
		{TrainFile, TrainHeader, &b.Train},
		{ValidFile, ValidHeader, &b.Valid},
		{SharpnessFile, SharpnessHeader, &b.Sharpness},
		{NoiseFile, NoiseHeader, &b.Noise},
	}
	for _, f := range files {
		sink, err := CreateCSV(filepath.Join(dir, f.name), f.header)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, sink)
		*f.dst = sink
	}
	return b, nil
}

// DiscardBook returns a book whose logs drop every row.
func DiscardBook() *Book {
	return &Book{Train: Discard{}, Valid: Discard{}, Sharpness: Discard{}, Noise: Discard{}}
}

// Gated returns a copy of b whose sinks only write on the primary process.
func (b *Book) Gated(primary bool) *Book {
	return &Book{
		Train:     Gate(b.Train, primary),
		Valid:     Gate(b.Valid, primary),
		Sharpness: Gate(b.Sharpness, primary),
		Noise:     Gate(b.Noise, primary),
	}
}

// Close closes every file the book opened and returns the first error.
func (b *Book) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
