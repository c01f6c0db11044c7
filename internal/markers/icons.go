package markers

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
)

// IconLoader resolves an icon id to a bitmap.
type IconLoader interface {
	LoadIcon(id string) (image.Image, error)
}

// FSIconLoader decodes PNG icons from a file system, e.g. an embed.FS or os.DirFS.
type FSIconLoader struct {
	FS    fs.FS
	Paths map[string]string
}

// LoadIcon reads and decodes the PNG registered for id.
func (l FSIconLoader) LoadIcon(id string) (image.Image, error) {
	path, ok := l.Paths[id]
	if !ok {
		return nil, fmt.Errorf("no icon registered for %q", id)
	}
	f, err := l.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open icon %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode icon %s: %w", path, err)
	}
	return img, nil
}

// CircleIcons draws a filled disc per icon id.
type CircleIcons struct {
	Size   int
	Colors map[string]color.Color
}

// LoadIcon renders the disc for id.
func (c CircleIcons) LoadIcon(id string) (image.Image, error) {
	fill, ok := c.Colors[id]
	if !ok {
		return nil, fmt.Errorf("no color for icon %q", id)
	}
	size := c.Size
	if size <= 0 {
		size = 32
	}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	r := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)+0.5-r, float64(y)+0.5-r
			if dx*dx+dy*dy <= r*r {
				img.Set(x, y, fill)
			}
		}
	}
	return img, nil
}

// FallbackIcons tries each loader in order.
type FallbackIcons []IconLoader

// LoadIcon returns the first successful icon.
func (f FallbackIcons) LoadIcon(id string) (image.Image, error) {
	var lastErr error
	for _, l := range f {
		img, err := l.LoadIcon(id)
		if err == nil {
			return img, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no icon loaders for %q", id)
	}
	return nil, lastErr
}
