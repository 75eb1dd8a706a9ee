package preprocessing

import (
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/sync/errgroup"
)

// Channels is the number of colour planes every processed image has.
const Channels = 3

// DefaultRescale maps 8-bit channel values into [0, 1].
const DefaultRescale = float32(1.0 / 255.0)

// ImageProcessor turns encoded images into CHW float32 rasters of a fixed
// square size. It holds no mutable state and is safe for concurrent use.
type ImageProcessor struct {
	targetSize int
	rescale    float32
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images scaled by DefaultRescale.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		rescale:    DefaultRescale,
	}
}

// WithRescale returns a copy of the processor that multiplies channel
// values by rescale instead.
func (p *ImageProcessor) WithRescale(rescale float32) *ImageProcessor {
	cp := *p
	cp.rescale = rescale
	return &cp
}

// TargetSize returns the output edge length in pixels.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW, len = Channels*Height*Width
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes any registered image format (JPEG, PNG, GIF,
// BMP, TIFF, WebP) and preprocesses it.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return p.Preprocess(img)
}

// Preprocess resizes img with nearest-neighbour sampling and converts it to
// RGB planes. Alpha is discarded; grayscale and paletted images are expanded
// to three identical or looked-up channels.
func (p *ImageProcessor) Preprocess(img image.Image) (*ProcessedImage, error) {
	size := p.targetSize
	if size <= 0 {
		return nil, errors.Errorf("invalid target size %d", size)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}

	resized := imaging.Resize(img, size, size, imaging.NearestNeighbor)

	plane := size * size
	data := make([]float32, Channels*plane)
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			idx := y*size + x
			px := row[x*4 : x*4+4]
			data[idx] = float32(px[0]) * p.rescale
			data[plane+idx] = float32(px[1]) * p.rescale
			data[2*plane+idx] = float32(px[2]) * p.rescale
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: Channels,
	}, nil
}

// LoadImage reads and preprocesses the image file at path.
func (p *ImageProcessor) LoadImage(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return img, nil
}

// PreprocessBatch loads imagePaths with at most maxWorkers concurrent
// decodes. Results keep the order of imagePaths; the first failure is
// returned once every worker has finished.
func (p *ImageProcessor) PreprocessBatch(imagePaths []string, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			img, err := p.LoadImage(path)
			if err != nil {
				return errors.Wrapf(err, "failed to process image %d", i)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// PreprocessBatch preprocesses multiple images concurrently with the default
// rescale.
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	return NewImageProcessor(targetSize).PreprocessBatch(imagePaths, maxWorkers)
}
