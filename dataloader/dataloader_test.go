package dataloader

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func sequentialDataset(t *testing.T, n int) *InMemory {
	t.Helper()
	features := make([][]float64, n)
	labels := make([]int, n)
	for i := range features {
		features[i] = []float64{float64(i), float64(i) * 10}
		labels[i] = i % 2
	}
	ds, err := NewInMemory(features, labels)
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	return ds
}

func TestIterBatchesAndEOF(t *testing.T) {
	dl, err := NewDataLoader(sequentialDataset(t, 10), 4, false, 0)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.Len() != 3 {
		t.Errorf("Len() = %d, expected 3", dl.Len())
	}

	batches, err := Drain(dl.Iter())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	sizes := []int{4, 4, 2}
	if len(batches) != len(sizes) {
		t.Fatalf("got %d batches, expected %d", len(batches), len(sizes))
	}
	for i, b := range batches {
		if b.Size() != sizes[i] {
			t.Errorf("batch %d size = %d, expected %d", i, b.Size(), sizes[i])
		}
		if b.Inputs.Shape[0] != sizes[i] || b.Inputs.Shape[1] != 2 {
			t.Errorf("batch %d shape = %v", i, b.Inputs.Shape)
		}
	}
	// Unshuffled order is the dataset order
	if batches[1].Inputs.Data[0] != 4 || batches[1].Inputs.Data[1] != 40 {
		t.Errorf("unexpected first sample of batch 1: %v", batches[1].Inputs.Data[:2])
	}

	it := dl.Iter()
	for i := 0; i < 3; i++ {
		if _, err := it.Next(); err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestEndlessCycles(t *testing.T) {
	dl, err := NewDataLoader(sequentialDataset(t, 4), 2, true, 3)
	if err != nil {
		t.Fatal(err)
	}
	it := dl.Endless()
	seen := 0
	for i := 0; i < 7; i++ {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("Endless Next %d failed: %v", i, err)
		}
		seen += b.Size()
	}
	if seen != 14 {
		t.Errorf("saw %d samples, expected 14", seen)
	}
}

func TestIteratorsAreIndependent(t *testing.T) {
	dl, err := NewDataLoader(sequentialDataset(t, 6), 2, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	a := dl.Iter()
	if _, err := a.Next(); err != nil {
		t.Fatal(err)
	}
	b := dl.Iter()
	first, err := b.Next()
	if err != nil {
		t.Fatal(err)
	}
	if first.Inputs.Data[0] != 0 {
		t.Errorf("fresh iterator should start at sample 0, got %v", first.Inputs.Data[0])
	}
}

func TestShardsAreDisjoint(t *testing.T) {
	ds := sequentialDataset(t, 9)
	seen := make(map[float64]int)
	for rank := 0; rank < 3; rank++ {
		dl, err := NewDataLoader(ds, 2, true, 5)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dl.WithShard(rank, 3); err != nil {
			t.Fatalf("WithShard failed: %v", err)
		}
		batches, err := Drain(dl.Iter())
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range batches {
			for i := 0; i < b.Size(); i++ {
				seen[b.Inputs.Data[i*2]]++
			}
		}
	}
	if len(seen) != 9 {
		t.Errorf("shards covered %d samples, expected 9", len(seen))
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("sample %v seen %d times", v, n)
		}
	}

	dl, _ := NewDataLoader(ds, 2, false, 0)
	if _, err := dl.WithShard(3, 3); err == nil {
		t.Error("expected error for rank >= world")
	}
}

func TestNewDataLoaderValidation(t *testing.T) {
	if _, err := NewDataLoader(nil, 2, false, 0); err == nil {
		t.Error("expected error for nil dataset")
	}
	if _, err := NewDataLoader(sequentialDataset(t, 2), 0, false, 0); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewInMemory([][]float64{{1}, {1, 2}}, []int{0, 1}); err == nil {
		t.Error("expected error for ragged features")
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	content := "x1,x2,label\n0.5,1.5,0\n2,3,2\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV failed: %v", err)
	}
	if ds.Len() != 2 || ds.NumClasses() != 3 || ds.FeatureDim() != 2 {
		t.Errorf("unexpected dataset: len=%d classes=%d dim=%d", ds.Len(), ds.NumClasses(), ds.FeatureDim())
	}
	f, label, _ := ds.Get(1)
	if f[0] != 2 || f[1] != 3 || label != 2 {
		t.Errorf("Get(1) = %v, %d", f, label)
	}
}

func TestOpenSynthetic(t *testing.T) {
	train, err := Open("synthetic:samples=40,features=3,classes=2,seed=9", SplitTrain, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	val, err := Open("synthetic:samples=40,features=3,classes=2,seed=9", SplitVal, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if train.Len() != 40 || val.Len() != 11 {
		t.Errorf("split sizes = %d/%d", train.Len(), val.Len())
	}
	if train.FeatureDim() != 3 || train.NumClasses() != 2 {
		t.Errorf("dim=%d classes=%d", train.FeatureDim(), train.NumClasses())
	}
	if _, err := Open("synthetic:bogus=1", SplitTrain, 0); err == nil {
		t.Error("expected error for unknown synthetic option")
	}
	if _, err := Open(t.TempDir(), SplitTrain, 8); err == nil {
		t.Error("expected error for missing data")
	}
}

func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	for c, name := range []string{"cats", "dogs"} {
		dir := filepath.Join(root, SplitTrain, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = uint8(c * 255)
		}
		img.Set(0, 0, color.Gray{Y: 128})
		f, err := os.Create(filepath.Join(dir, "a.png"))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}

	ds, err := Open(root, SplitTrain, 4)
	if err != nil {
		t.Fatalf("Open image folder failed: %v", err)
	}
	if ds.Len() != 2 || ds.NumClasses() != 2 || ds.FeatureDim() != 16 {
		t.Fatalf("len=%d classes=%d dim=%d", ds.Len(), ds.NumClasses(), ds.FeatureDim())
	}

	black, label, err := ds.Get(0)
	if err != nil || label != 0 {
		t.Fatalf("Get(0) = %v, %v", label, err)
	}
	white, label, err := ds.Get(1)
	if err != nil || label != 1 {
		t.Fatalf("Get(1) = %v, %v", label, err)
	}
	if !(black[5] < 0 && white[5] > 0) {
		t.Errorf("normalisation looks wrong: black=%v white=%v", black[5], white[5])
	}

	again, _, err := ds.Get(0)
	if err != nil || again[5] != black[5] {
		t.Fatalf("cached Get(0) = %v, %v", again, err)
	}
	stats, ok := ds.(*ImageFolderDataset).CacheStats()
	if !ok || stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("unexpected cache stats: %s", stats)
	}
}
