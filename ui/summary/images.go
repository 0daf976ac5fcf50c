// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// MaxImages is the default maximum number of images saved by ImageGrid.
const MaxImages = 6

// GridPadding is the number of pixels between images in the grid.
const GridPadding = 4

// ImageGrid pastes up to maxImages images (in order) side by side in a grid with the given number of
// columns, and saves it to path. The format is taken from the file extension, usually ".png".
//
// Images can have different sizes: each cell has the size of the largest image.
func ImageGrid(images []image.Image, maxImages, columns int, path string) error {
	if maxImages <= 0 {
		maxImages = MaxImages
	}
	images = images[:min(len(images), maxImages)]
	if len(images) == 0 {
		return errors.Errorf("no images to save to %q", path)
	}
	columns = max(1, min(columns, len(images)))
	rows := (len(images) + columns - 1) / columns
	var cellWidth, cellHeight int
	for _, img := range images {
		size := img.Bounds().Size()
		cellWidth = max(cellWidth, size.X)
		cellHeight = max(cellHeight, size.Y)
	}
	grid := imaging.New(
		columns*cellWidth+(columns+1)*GridPadding,
		rows*cellHeight+(rows+1)*GridPadding,
		color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	for ii, img := range images {
		row, col := ii/columns, ii%columns
		pos := image.Pt(
			GridPadding+col*(cellWidth+GridPadding),
			GridPadding+row*(cellHeight+GridPadding))
		grid = imaging.Paste(grid, img, pos)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	if err := imaging.Save(grid, path); err != nil {
		return errors.Wrapf(err, "failed to save image grid to %q", path)
	}
	return nil
}
