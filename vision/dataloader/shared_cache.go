package dataloader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-asl/vision/preprocessing"
)

// CreateSharedDataLoaders creates train and validation DataLoaders backed by
// one cache. The training loader shuffles; the validation loader keeps
// dataset order. A zero MaxCacheSize sizes the cache for both datasets.
// An empty validation dataset yields a nil validation loader.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	if trainDataset == nil || valDataset == nil {
		return nil, nil, errors.New("both datasets are required")
	}
	if trainDataset.NumClasses() != valDataset.NumClasses() {
		return nil, nil, errors.Errorf("train has %d classes but validation has %d",
			trainDataset.NumClasses(), valDataset.NumClasses())
	}

	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	shared := config.CacheManager
	if shared == nil {
		shared = NewCacheManager(cacheSize, preprocessing.Channels*config.ImageSize*config.ImageSize)
	}

	trainConfig := config
	trainConfig.CacheManager = shared
	trainConfig.Shuffle = true
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create training loader")
	}

	if valDataset.Len() == 0 {
		return trainLoader, nil, nil
	}

	valConfig := config
	valConfig.CacheManager = shared
	valConfig.Shuffle = false
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create validation loader")
	}
	return trainLoader, valLoader, nil
}
