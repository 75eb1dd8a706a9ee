package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDataset creates class directories holding placeholder image
// files. Scanning never decodes, so the contents do not matter.
func createTestDataset(t *testing.T, counts map[string]int) string {
	root := t.TempDir()
	for className, n := range counts {
		classDir := filepath.Join(root, className)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for i := 0; i < n; i++ {
			path := filepath.Join(classDir, fmt.Sprintf("img_%03d.jpg", i))
			require.NoError(t, os.WriteFile(path, []byte("mock"), 0o644))
		}
	}
	return root
}

func TestNewImageFolderDataset(t *testing.T) {
	root := createTestDataset(t, map[string]int{"C": 2, "A": 3, "B": 4})

	ds, err := NewImageFolderDataset(root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 9, ds.Len())
	assert.Equal(t, 3, ds.NumClasses())
	assert.Equal(t, []string{"A", "B", "C"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"A": 3, "B": 4, "C": 2}, ds.ClassDistribution())
	assert.Equal(t, root, ds.Root())

	idx, ok := ds.ClassIndex("B")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	// Ordered by class, then file name.
	path, label, err := ds.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "A", "img_000.jpg"), path)
	assert.Equal(t, 0, label)
	path, label, err = ds.GetItem(8)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "C", "img_001.jpg"), path)
	assert.Equal(t, 2, label)

	_, _, err = ds.GetItem(9)
	assert.Error(t, err)
	_, _, err = ds.GetItem(-1)
	assert.Error(t, err)
}

func TestScanFiltersExtensions(t *testing.T) {
	root := createTestDataset(t, map[string]int{"A": 1})
	for _, name := range []string{"x.PNG", "y.webp", "notes.txt", ".DS_Store"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, "A", name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "A", "nested.jpg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), nil, 0o644))

	ds, err := NewImageFolderDataset(root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []string{"A"}, ds.ClassNames())

	ds, err = NewImageFolderDataset(root, Options{Extensions: []string{".png"}})
	require.NoError(t, err)
	assert.Equal(t, 1, ds.Len())
}

func TestScanErrors(t *testing.T) {
	t.Run("MissingRoot", func(t *testing.T) {
		_, err := NewImageFolderDataset(filepath.Join(t.TempDir(), "nope"), Options{})
		require.Error(t, err)
		assert.True(t, os.IsNotExist(errors.Cause(err)))
	})

	t.Run("NoClasses", func(t *testing.T) {
		_, err := NewImageFolderDataset(t.TempDir(), Options{})
		assert.ErrorIs(t, err, ErrNoImages)
	})

	t.Run("EmptyClass", func(t *testing.T) {
		root := createTestDataset(t, map[string]int{"A": 2, "B": 0})
		_, err := NewImageFolderDataset(root, Options{})
		assert.ErrorIs(t, err, ErrEmptyClass)
		assert.Contains(t, err.Error(), `"B"`)
	})

	t.Run("ExpectedClasses", func(t *testing.T) {
		root := createTestDataset(t, map[string]int{"A": 1, "B": 1})
		_, err := NewImageFolderDataset(root, Options{ExpectedClasses: []string{"B", "A"}})
		assert.NoError(t, err)
		_, err = NewImageFolderDataset(root, Options{ExpectedClasses: []string{"A", "C"}})
		assert.ErrorIs(t, err, ErrClassMismatch)
	})

	t.Run("NumClasses", func(t *testing.T) {
		root := createTestDataset(t, map[string]int{"A": 1, "B": 1})
		_, err := NewImageFolderDataset(root, Options{NumClasses: 26})
		assert.ErrorIs(t, err, ErrClassMismatch)
	})
}

func TestSplitValidationPerClass(t *testing.T) {
	counts := map[string]int{"A": 10, "B": 7, "C": 4, "D": 1}
	root := createTestDataset(t, counts)
	ds, err := NewImageFolderDataset(root, Options{})
	require.NoError(t, err)

	train, val, err := ds.SplitValidation(0.2)
	require.NoError(t, err)
	assert.Equal(t, ds.Len(), train.Len()+val.Len())

	// floor(n*0.2) per class: 2, 1, 0, 0
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, val.ClassDistribution())
	assert.Equal(t, map[string]int{"A": 8, "B": 6, "C": 4, "D": 1}, train.ClassDistribution())

	// The first files of each class go to validation.
	path, label, err := val.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "A", "img_000.jpg"), path)
	assert.Equal(t, 0, label)
	path, _, err = val.GetItem(2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "B", "img_000.jpg"), path)

	// Disjoint.
	seen := make(map[string]bool)
	for _, sub := range []*ImageFolderDataset{train, val} {
		for i := 0; i < sub.Len(); i++ {
			p, _, err := sub.GetItem(i)
			require.NoError(t, err)
			assert.False(t, seen[p], p)
			seen[p] = true
		}
	}
	assert.Len(t, seen, ds.Len())

	// Subsets keep the full label space.
	assert.Equal(t, 4, val.NumClasses())
}

func TestSplitValidationIsDeterministic(t *testing.T) {
	root := createTestDataset(t, map[string]int{"A": 13, "B": 9})
	var previous []string
	for run := 0; run < 3; run++ {
		ds, err := NewImageFolderDataset(root, Options{})
		require.NoError(t, err)
		_, val, err := ds.SplitValidation(0.2)
		require.NoError(t, err)
		var paths []string
		for i := 0; i < val.Len(); i++ {
			p, _, _ := val.GetItem(i)
			paths = append(paths, p)
		}
		if previous != nil {
			assert.Equal(t, previous, paths)
		}
		previous = paths
	}
}

func TestSplitValidationRejectsBadFraction(t *testing.T) {
	ds, err := NewImageFolderDataset(createTestDataset(t, map[string]int{"A": 2}), Options{})
	require.NoError(t, err)
	for _, f := range []float64{-0.1, 1, 1.5} {
		_, _, err := ds.SplitValidation(f)
		assert.Error(t, err, "%g", f)
	}
	train, val, err := ds.SplitValidation(0)
	require.NoError(t, err)
	assert.Equal(t, 2, train.Len())
	assert.Equal(t, 0, val.Len())
}

func TestSplitByRatio(t *testing.T) {
	ds, err := NewImageFolderDataset(createTestDataset(t, map[string]int{"A": 6, "B": 4}), Options{})
	require.NoError(t, err)

	train, val := ds.Split(0.8, false)
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, val.Len())
	_, label, err := val.GetItem(1)
	require.NoError(t, err)
	assert.Equal(t, 1, label)

	train, val = ds.Split(0.5, true)
	assert.Equal(t, 5, train.Len())
	assert.Equal(t, 5, val.Len())
}

func TestSubsetAndString(t *testing.T) {
	ds, err := NewImageFolderDataset(createTestDataset(t, map[string]int{"A": 2, "B": 2}), Options{})
	require.NoError(t, err)

	sub := ds.Subset([]int{3, 0})
	require.Equal(t, 2, sub.Len())
	_, label, err := sub.GetItem(0)
	require.NoError(t, err)
	assert.Equal(t, 1, label)

	s := ds.String()
	assert.Contains(t, s, "4 samples, 2 classes")
	assert.Contains(t, s, "  A: 2\n")
}
