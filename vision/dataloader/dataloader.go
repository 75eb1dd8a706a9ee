package dataloader

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/tensor"
	"github.com/tsawler/go-asl/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	NumClasses() int
}

// Batch is one mini-batch of preprocessed images and one-hot labels.
type Batch struct {
	Images *tensor.Tensor // [Size, 3, ImageSize, ImageSize]
	Labels *tensor.Tensor // [Size, NumClasses]
	Size   int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	ImageSize    int
	Shuffle      bool
	Seed         int64         // seeds the shuffle order
	MaxCacheSize int           // images kept decoded in memory; 0 disables an owned cache
	NumWorkers   int           // parallel decoders per batch, <= 0 means GOMAXPROCS
	CacheManager *CacheManager // optional shared cache manager
	Rescale      float32       // pixel multiplier, 0 means preprocessing.DefaultRescale
}

// DefaultConfig returns the loader settings of the classifier: batches of
// 32 shuffled 224x224 images rescaled by 1/255.
func DefaultConfig() Config {
	return Config{
		BatchSize:    32,
		ImageSize:    224,
		Shuffle:      true,
		Seed:         42,
		MaxCacheSize: 1000,
		NumWorkers:   runtime.GOMAXPROCS(0),
		Rescale:      preprocessing.DefaultRescale,
	}
}

// DataLoader produces batches from a Dataset, reading images from disk on
// demand. Once an epoch is exhausted the next call to NextBatch starts a
// new epoch, reshuffled when Shuffle is set, so the sequence is endless.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand

	mu       sync.Mutex
	indices  []int
	position int
	epoch    int

	cacheManager *CacheManager
	ownedCache   bool

	processor *preprocessing.ImageProcessor
	imageSize int
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if dataset.NumClasses() <= 0 {
		return nil, errors.New("dataset has no classes")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if config.Rescale == 0 {
		config.Rescale = preprocessing.DefaultRescale
	}

	itemSize := preprocessing.Channels * config.ImageSize * config.ImageSize
	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, itemSize)
		ownedCache = true
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		numWorkers:   config.NumWorkers,
		rng:          rand.New(rand.NewSource(config.Seed)),
		indices:      make([]int, dataset.Len()),
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		processor:    preprocessing.NewImageProcessor(config.ImageSize).WithRescale(config.Rescale),
		imageSize:    config.ImageSize,
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.reshuffle()
	return dl, nil
}

func (dl *DataLoader) reshuffle() {
	if !dl.shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset restarts the current epoch from its first batch, reshuffling when
// Shuffle is set.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.reshuffle()
}

// Len returns the number of batches per epoch, the last possibly partial.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the number of images per epoch.
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Epoch returns the number of completed passes over the dataset.
func (dl *DataLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// NextBatch loads the next batch. Uncached images are decoded in parallel;
// any read or decode failure fails the whole batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position >= len(dl.indices) {
		dl.position = 0
		dl.epoch++
		dl.reshuffle()
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	picked := dl.indices[dl.position:end]
	size := len(picked)

	numClasses := dl.dataset.NumClasses()
	pixels := preprocessing.Channels * dl.imageSize * dl.imageSize
	batch := &Batch{
		Images: tensor.Zeros(size, preprocessing.Channels, dl.imageSize, dl.imageSize),
		Labels: tensor.Zeros(size, numClasses),
		Size:   size,
	}

	// Labels and cache hits are filled in directly; misses are decoded
	// together and cached.
	var (
		missPaths []string
		missSlots []int
	)
	for slot, idx := range picked {
		imagePath, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load batch at position %d", dl.position)
		}
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("label %d of %s outside [0, %d)", label, imagePath, numClasses)
		}
		batch.Labels.Data[slot*numClasses+label] = 1
		if data, ok := dl.cacheManager.Get(imagePath); ok {
			copy(batch.Images.Data[slot*pixels:(slot+1)*pixels], data)
			continue
		}
		missPaths = append(missPaths, imagePath)
		missSlots = append(missSlots, slot)
	}

	if len(missPaths) > 0 {
		images, err := dl.processor.PreprocessBatch(missPaths, dl.numWorkers)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load batch at position %d", dl.position)
		}
		for i, img := range images {
			slot := missSlots[i]
			copy(batch.Images.Data[slot*pixels:(slot+1)*pixels], img.Data)
			dl.cacheManager.Put(missPaths[i], img.Data)
		}
	}

	dl.position = end
	return batch, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the current position within the epoch
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache if this loader owns it
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
