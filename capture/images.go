package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

var errImageTooLarge = errors.New("image exceeds size limit")

// ImageReplacementMap maps an absolute image URL to its data: URI.
type ImageReplacementMap map[string]string

// ImageReport summarizes the image stage of one capture.
type ImageReport struct {
	Total    int
	Inlined  int
	Failed   int
	Replaced ImageReplacementMap
}

type imageTarget struct {
	node *html.Node
	lazy bool
}

// Images inlines every <img> under root. progress is called after each image
// settles with the number of processed images and the total.
func (in *Inliner) Images(ctx context.Context, root *html.Node, doc *Document, progress func(done, total int)) ImageReport {
	var imgs []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "img") {
			imgs = append(imgs, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	report := ImageReport{Total: len(imgs), Replaced: ImageReplacementMap{}}
	var mu sync.Mutex
	done := 0
	settle := func(n int) {
		mu.Lock()
		defer mu.Unlock()
		done += n
		if progress != nil {
			progress(done, report.Total)
		}
	}

	targets := map[string][]imageTarget{}
	var order []string
	for _, img := range imgs {
		src, lazy := imageSource(img)
		if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
			settle(1)
			continue
		}
		abs, err := doc.Resolve(src)
		if err != nil {
			in.logger.Warn("image src rejected", zap.String("src", src), zap.Error(err))
			report.Failed++
			settle(1)
			continue
		}
		if _, ok := targets[abs]; !ok {
			order = append(order, abs)
		}
		targets[abs] = append(targets[abs], imageTarget{node: img, lazy: lazy})
	}

	results := make([]string, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.limit)
	for i, abs := range order {
		g.Go(func() error {
			uri, err := in.fetchImage(gctx, abs)
			if err != nil {
				in.logger.Warn("image fetch failed", zap.String("url", abs), zap.Error(err))
			}
			results[i] = uri
			settle(len(targets[abs]))
			return nil
		})
	}
	_ = g.Wait()

	for i, abs := range order {
		uri := results[i]
		if uri == "" {
			report.Failed += len(targets[abs])
			continue
		}
		report.Replaced[abs] = uri
		for _, t := range targets[abs] {
			setAttr(t.node, "src", uri)
			removeAttr(t.node, "srcset")
			removeAttr(t.node, "sizes")
			if t.lazy {
				removeAttr(t.node, "data-src")
			}
			report.Inlined++
		}
	}
	return report
}

// imageSource returns the image location, falling back to data-src for lazy
// images whose src is empty.
func imageSource(img *html.Node) (string, bool) {
	if src := strings.TrimSpace(getAttr(img, "src")); src != "" {
		return src, false
	}
	if src := strings.TrimSpace(getAttr(img, "data-src")); src != "" {
		return src, true
	}
	return "", false
}

func (in *Inliner) fetchImage(ctx context.Context, abs string) (string, error) {
	resp, err := in.fetcher.FetchLimited(ctx, abs, "image/avif,image/webp,image/*,*/*;q=0.8", in.maxBytes)
	if errors.Is(err, errBodyTooLarge) {
		return "", fmt.Errorf("%s: %w", abs, errImageTooLarge)
	}
	if err != nil {
		return "", err
	}
	body := resp.Body
	mt := imageMIME(resp)
	if in.maxWidth > 0 {
		if b, m, ok := in.downscale(body, mt); ok {
			body, mt = b, m
		}
	}
	if in.maxBytes > 0 && int64(len(body)) > in.maxBytes {
		return "", fmt.Errorf("%s: %d bytes: %w", abs, len(body), errImageTooLarge)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

func imageMIME(resp *Response) string {
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	sniffed := http.DetectContentType(resp.Body)
	if strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if strings.EqualFold(path.Ext(strings.SplitN(resp.URL, "?", 2)[0]), ".svg") {
		return "image/svg+xml"
	}
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mt
	}
	return "application/octet-stream"
}

// downscale re-encodes raster images wider than the configured limit.
func (in *Inliner) downscale(body []byte, mt string) ([]byte, string, bool) {
	switch mt {
	case "image/jpeg", "image/png", "image/webp":
	default:
		return nil, "", false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil || cfg.Width <= in.maxWidth {
		return nil, "", false
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, "", false
	}
	out, outMIME, err := encodeImage(clampImageToWidth(img, in.maxWidth))
	if err != nil {
		in.logger.Debug("image re-encode failed", zap.Error(err))
		return nil, "", false
	}
	return out, outMIME, true
}

func clampImageToWidth(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth <= 0 || w <= 0 || h <= 0 || w <= maxWidth {
		return img
	}
	scaledH := int(math.Round(float64(h) * float64(maxWidth) / float64(w)))
	if scaledH < 1 {
		scaledH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, scaledH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// encodeImage writes PNG when the image has transparency, JPEG otherwise.
func encodeImage(img image.Image) ([]byte, string, error) {
	var out bytes.Buffer
	if imageHasAlpha(img) {
		if err := png.Encode(&out, img); err != nil {
			return nil, "", err
		}
		return out.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", err
	}
	return out.Bytes(), "image/jpeg", nil
}

// imageHasAlpha samples up to a 64x64 grid of pixels.
func imageHasAlpha(img image.Image) bool {
	b := img.Bounds()
	dx, dy := b.Dx(), b.Dy()
	if dx <= 0 || dy <= 0 {
		return false
	}
	stepX := max(dx/64, 1)
	stepY := max(dy/64, 1)
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xFFFF {
				return true
			}
		}
	}
	return false
}
