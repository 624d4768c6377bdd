package mcpbridge

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Inline images are downscaled to fit this box and re-encoded as JPEG so a
// full-page screenshot does not blow up the agent's context window.
const (
	maxInlineWidth    = 1200
	maxInlineHeight   = 800
	inlineJPEGQuality = 70
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// imagePath finds a string value in the result that points at an existing
// image file.
func imagePath(result map[string]any) (string, bool) {
	for _, v := range result {
		s, ok := v.(string)
		if !ok || !imageExtensions[strings.ToLower(filepath.Ext(s))] {
			continue
		}
		if info, err := os.Stat(s); err == nil && !info.IsDir() {
			return s, true
		}
	}
	return "", false
}

// loadInlineImage reads, downscales, and re-encodes an image for tool output.
func loadInlineImage(path string) (mcpsdk.Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	resized := downscale(src, maxInlineWidth, maxInlineHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: inlineJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", path, err)
	}
	return &mcpsdk.ImageContent{Data: buf.Bytes(), MIMEType: "image/jpeg"}, nil
}

// downscale fits src inside maxW×maxH preserving aspect ratio. Images already
// inside the box pass through untouched.
func downscale(src image.Image, maxW, maxH int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxW && h <= maxH {
		return src
	}

	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
