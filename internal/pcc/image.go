package pcc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/xid"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	u "postcardcreator/internal/utils"
)

// Upstream rejects covers that are not exactly this size.
const (
	CoverWidth  = 1819
	CoverHeight = 1311

	messageWidth   = 720
	messageHeight  = 744
	messagePadding = 50

	minFontSize = 20
	maxFontSize = 400
)

// CoverOptions controls ScaleCover.
type CoverOptions struct {
	Width  int
	Height int
	// NoRotate disables the portrait-to-landscape rotation.
	NoRotate bool
	// FallbackFill letterboxes undersized pictures onto their dominant
	// color instead of upscaling them.
	FallbackFill bool
	// Export writes the generated image to TraceDir for inspection.
	Export   bool
	TraceDir string
}

// ScaleCover decodes a picture and produces the JPEG cover the upstream
// expects: landscape orientation, exactly Width x Height pixels.
func ScaleCover(r io.Reader, opts CoverOptions) ([]byte, error) {
	if opts.Width <= 0 {
		opts.Width = CoverWidth
	}
	if opts.Height <= 0 {
		opts.Height = CoverHeight
	}

	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode picture: %w", err)
	}

	bounds := img.Bounds()
	if !opts.NoRotate && bounds.Dx() < bounds.Dy() {
		u.Debug("rotating image by 90 degrees")
		img = imaging.Rotate90(img)
		bounds = img.Bounds()
	}

	var cover *image.NRGBA
	if opts.FallbackFill && (bounds.Dx() < opts.Width || bounds.Dy() < opts.Height) {
		// Picture is too small for a full-bleed cover. Do not upsample:
		// center it and fill the border with its dominant color.
		bg := dominantColor(img)
		u.Warn("picture smaller than cover, using letterbox fallback",
			"width", bounds.Dx(), "height", bounds.Dy(), "bg", fmt.Sprintf("#%02x%02x%02x", bg.R, bg.G, bg.B))
		fitted := imaging.Fit(img, opts.Width, opts.Height, imaging.Lanczos)
		cover = imaging.New(opts.Width, opts.Height, bg)
		cover = imaging.PasteCenter(cover, fitted)
	} else {
		u.Debug("resizing image", "from_w", bounds.Dx(), "from_h", bounds.Dy(),
			"to_w", opts.Width, "to_h", opts.Height)
		cover = imaging.Fill(img, opts.Width, opts.Height, imaging.Center, imaging.Lanczos)
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, cover, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode cover: %w", err)
	}

	if opts.Export {
		exportTrace(opts.TraceDir, "cover", buf.Bytes())
	}
	return buf.Bytes(), nil
}

// RenderMessage rasterizes the card text onto a 720x744 white canvas,
// choosing the largest font size whose wrapped lines still fit.
func RenderMessage(text string, export bool, traceDir string) ([]byte, error) {
	otf, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}

	size, lines, err := fitMessage(otf, text)
	if err != nil {
		return nil, err
	}
	u.Debug("rendering message", "font_size", size, "lines", len(lines))

	canvas := imaging.New(messageWidth, messageHeight, color.White)

	if len(lines) > 0 {
		face, err := newFace(otf, size)
		if err != nil {
			return nil, err
		}
		defer face.Close()

		metrics := face.Metrics()
		lineHeight := metrics.Height.Ceil()
		total := len(lines) * lineHeight
		y := 0
		if total < messageHeight {
			y = (messageHeight - total) / 2
		}

		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.Black,
			Face: face,
		}
		for _, line := range lines {
			w := d.MeasureString(line).Ceil()
			d.Dot = fixed.P((messageWidth-w)/2, y+metrics.Ascent.Ceil())
			d.DrawString(line)
			y += lineHeight
		}
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, canvas, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode message image: %w", err)
	}
	if export {
		exportTrace(traceDir, "text", buf.Bytes())
	}
	return buf.Bytes(), nil
}

func newFace(otf *sfnt.Font, size int) (font.Face, error) {
	return opentype.NewFace(otf, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// fitMessage binary-searches the largest font size whose word-wrapped lines
// fit the padded canvas.
func fitMessage(otf *sfnt.Font, text string) (int, []string, error) {
	if strings.TrimSpace(text) == "" {
		return minFontSize, nil, nil
	}

	maxW := messageWidth - 2*messagePadding
	maxH := messageHeight - 2*messagePadding

	bestSize := minFontSize
	var bestLines []string
	haveFit := false

	lo, hi := minFontSize, maxFontSize
	for lo <= hi {
		size := (lo + hi) / 2
		face, err := newFace(otf, size)
		if err != nil {
			return 0, nil, err
		}
		lines := wrapText(face, text, maxW)
		fits := len(lines)*face.Metrics().Height.Ceil() <= maxH
		face.Close()

		if fits {
			bestSize, bestLines = size, lines
			haveFit = true
			lo = size + 1
		} else {
			hi = size - 1
		}
	}

	if !haveFit {
		// Even the minimum size overflows vertically. Keep the minimum-size
		// wrap; drawing clips at the bottom of the canvas.
		face, err := newFace(otf, minFontSize)
		if err != nil {
			return 0, nil, err
		}
		defer face.Close()
		return minFontSize, wrapText(face, text, maxW), nil
	}
	return bestSize, bestLines, nil
}

// wrapText greedily wraps words at the given pixel width. Words wider than a
// whole line are hard-broken so long tokens (URLs, for example) still render.
func wrapText(face font.Face, text string, maxW int) []string {
	d := &font.Drawer{Face: face}
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		cur := ""
		for _, word := range words {
			if d.MeasureString(word).Ceil() > maxW {
				if cur != "" {
					lines = append(lines, cur)
				}
				parts := breakWord(d, word, maxW)
				lines = append(lines, parts[:len(parts)-1]...)
				cur = parts[len(parts)-1]
				continue
			}
			candidate := word
			if cur != "" {
				candidate = cur + " " + word
			}
			if d.MeasureString(candidate).Ceil() <= maxW {
				cur = candidate
				continue
			}
			lines = append(lines, cur)
			cur = word
		}
		lines = append(lines, cur)
	}
	return lines
}

// breakWord splits an oversized word into chunks that each fit the line
// width. Every chunk keeps at least one rune so the split always progresses.
func breakWord(d *font.Drawer, word string, maxW int) []string {
	var parts []string
	cur := ""
	for _, r := range word {
		next := cur + string(r)
		if cur != "" && d.MeasureString(next).Ceil() > maxW {
			parts = append(parts, cur)
			next = string(r)
		}
		cur = next
	}
	return append(parts, cur)
}

// dominantColor picks the most frequent color bucket of a downsampled copy.
func dominantColor(img image.Image) color.NRGBA {
	small := imaging.Resize(img, 64, 0, imaging.NearestNeighbor)
	counts := make(map[uint32]int)
	bounds := small.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := small.At(x, y).RGBA()
			// Quantize to 4 bits per channel.
			key := (r>>12)<<8 | (g>>12)<<4 | b>>12
			counts[key]++
		}
	}
	var best uint32
	bestCount := -1
	for key, n := range counts {
		if n > bestCount {
			best, bestCount = key, n
		}
	}
	expand := func(v uint32) uint8 { return uint8(v<<4 | v) }
	return color.NRGBA{
		R: expand(best >> 8 & 0xf),
		G: expand(best >> 4 & 0xf),
		B: expand(best & 0xf),
		A: 0xff,
	}
}

// exportTrace drops generated images into the trace directory so submissions
// can be inspected after the fact.
func exportTrace(dir, kind string, jpeg []byte) {
	if dir == "" {
		dir = ".postcard_creator_wrapper_sent"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		u.Warn("cannot create trace dir", "dir", dir, "error", err)
		return
	}
	name := fmt.Sprintf("export_%s_%s.jpg", xid.New().String(), kind)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		u.Warn("cannot export image", "path", path, "error", err)
		return
	}
	u.Info("exported image", "path", path)
}
