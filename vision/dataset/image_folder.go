package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNoImages is returned when the root holds no image files at all.
	ErrNoImages = errors.New("no images found")
	// ErrEmptyClass is returned when a class directory holds no image files.
	ErrEmptyClass = errors.New("class directory contains no images")
	// ErrClassMismatch is returned when the discovered classes differ from
	// the expected ones.
	ErrClassMismatch = errors.New("class set mismatch")
)

// DefaultExtensions are the image file extensions recognised by default.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// Options control directory scanning.
type Options struct {
	// Extensions accepted, case-insensitive; nil means DefaultExtensions
	Extensions []string
	// ExpectedClasses, when set, must equal the sorted class names exactly
	ExpectedClasses []string
	// NumClasses, when positive, must equal the number of class directories
	NumClasses int
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Samples are ordered by class
// index, then by file name.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset scans root. Every immediate subdirectory is a class;
// class indices follow the lexicographic order of the directory names.
func NewImageFolderDataset(root string, opts Options) (*ImageFolderDataset, error) {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	accept := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		accept[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if isDir(root, entry) {
			dataset.classNames = append(dataset.classNames, entry.Name())
		}
	}
	sort.Strings(dataset.classNames)

	if err := checkClasses(dataset.classNames, opts); err != nil {
		return nil, err
	}

	for idx, className := range dataset.classNames {
		dataset.classToIdx[className] = idx

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class %q", className)
		}
		var names []string
		for _, f := range files {
			if f.IsDir() || !accept[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			names = append(names, f.Name())
		}
		if len(names) == 0 {
			return nil, errors.Wrapf(ErrEmptyClass, "class %q", className)
		}
		sort.Strings(names)
		for _, name := range names {
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(root, className, name))
			dataset.labels = append(dataset.labels, idx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "in %s", root)
	}
	return dataset, nil
}

func isDir(root string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry.Name()))
	return err == nil && info.IsDir()
}

func checkClasses(found []string, opts Options) error {
	if len(opts.ExpectedClasses) > 0 {
		expected := append([]string(nil), opts.ExpectedClasses...)
		sort.Strings(expected)
		if strings.Join(expected, "\x00") != strings.Join(found, "\x00") {
			return errors.Wrapf(ErrClassMismatch, "expected %v, found %v", expected, found)
		}
	}
	if opts.NumClasses > 0 && len(found) != opts.NumClasses {
		return errors.Wrapf(ErrClassMismatch, "expected %d classes, found %d", opts.NumClasses, len(found))
	}
	return nil
}

// Root returns the scanned directory.
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names in label order
func (d *ImageFolderDataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassIndex returns the label of className.
func (d *ImageFolderDataset) ClassIndex(className string) (int, bool) {
	idx, ok := d.classToIdx[className]
	return idx, ok
}

// ClassDistribution returns the number of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// SplitValidation partitions the dataset per class: of a class's n files
// in name order, the first floor(n*validationSplit) form the validation
// subset and the rest the training subset. The result depends only on the
// directory contents.
func (d *ImageFolderDataset) SplitValidation(validationSplit float64) (train, val *ImageFolderDataset, err error) {
	if validationSplit < 0 || validationSplit >= 1 || math.IsNaN(validationSplit) {
		return nil, nil, errors.Errorf("validation split must be in [0, 1), got %g", validationSplit)
	}

	byClass := make([][]int, len(d.classNames))
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	var trainIdx, valIdx []int
	for _, indices := range byClass {
		cut := int(math.Floor(float64(len(indices)) * validationSplit))
		valIdx = append(valIdx, indices[:cut]...)
		trainIdx = append(trainIdx, indices[cut:]...)
	}
	return d.Subset(trainIdx), d.Subset(valIdx), nil
}

// Split splits the dataset into train and validation sets by a global ratio,
// optionally shuffling first.
func (d *ImageFolderDataset) Split(trainRatio float64, shuffle bool) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)
	if trainSize < 0 {
		trainSize = 0
	}
	if trainSize > n {
		trainSize = n
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		rand.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices. The
// class list is shared with the parent so labels keep their meaning.
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %d\n", className, dist[className])
	}
	return sb.String()
}
