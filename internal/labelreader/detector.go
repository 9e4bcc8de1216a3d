package labelreader

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Symbol 頁面上偵測到的一個 QR 符號
type Symbol struct {
	Text   string
	Raw    []byte
	Bounds image.Rectangle // 在輸入影像座標系中的範圍
}

// Center returns the symbol centre relative to the page size.
func (s Symbol) Center(page image.Rectangle) (float64, float64) {
	cx := float64(s.Bounds.Min.X+s.Bounds.Max.X)/2 - float64(page.Min.X)
	cy := float64(s.Bounds.Min.Y+s.Bounds.Max.Y)/2 - float64(page.Min.Y)
	return cx / float64(page.Dx()), cy / float64(page.Dy())
}

// SymbolDetector locates and decodes scannable symbols on a page image.
// A page without a decodable symbol yields an empty slice and no error.
type SymbolDetector interface {
	Detect(img image.Image) ([]Symbol, error)
}

// QRDetector decodes QR symbols with gozxing. When a plain decode fails it
// retries on preprocessed variants of the page: higher contrast, a hard
// threshold, a blur that closes scanner speckle, and a half-size copy.
type QRDetector struct {
	Enhance   bool
	Threshold uint8 // threshold variant cut-off, default 160
}

// NewQRDetector returns a detector with the enhancement ladder enabled.
func NewQRDetector() *QRDetector {
	return &QRDetector{Enhance: true, Threshold: 160}
}

type variant struct {
	name  string
	scale float64 // variant pixel -> page pixel
	build func(image.Image) image.Image
}

func (d *QRDetector) variants() []variant {
	vs := []variant{{name: "plain", scale: 1, build: func(img image.Image) image.Image { return img }}}
	if !d.Enhance {
		return vs
	}
	cut := d.Threshold
	if cut == 0 {
		cut = 160
	}
	return append(vs,
		variant{name: "contrast", scale: 1, build: func(img image.Image) image.Image {
			return imaging.AdjustContrast(imaging.Grayscale(img), 40)
		}},
		variant{name: "threshold", scale: 1, build: func(img image.Image) image.Image {
			return imaging.AdjustFunc(imaging.Grayscale(img), func(c color.NRGBA) color.NRGBA {
				if c.R < cut {
					return color.NRGBA{A: 255}
				}
				return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			})
		}},
		variant{name: "blur", scale: 1, build: func(img image.Image) image.Image {
			return imaging.Blur(imaging.Grayscale(img), 1.2)
		}},
		variant{name: "half", scale: 2, build: func(img image.Image) image.Image {
			b := img.Bounds()
			return imaging.Resize(img, b.Dx()/2, 0, imaging.Box)
		}},
	)
}

// Detect implements SymbolDetector.
func (d *QRDetector) Detect(img image.Image) ([]Symbol, error) {
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	reader := qrcode.NewQRCodeReader()
	origin := img.Bounds().Min

	for _, v := range d.variants() {
		src := v.build(img)
		bmp, err := gozxing.NewBinaryBitmapFromImage(src)
		if err != nil {
			return nil, err
		}
		res, err := reader.Decode(bmp, hints)
		if err != nil {
			// NotFound, checksum and format errors all mean "try the next variant"
			continue
		}
		bounds := pointsBounds(res.GetResultPoints(), v.scale, origin)
		log.Debug("symbol decoded", "variant", v.name, "text", res.GetText())
		return []Symbol{{Text: res.GetText(), Raw: res.GetRawBytes(), Bounds: bounds}}, nil
	}
	return nil, nil
}

// pointsBounds maps result points, which gozxing reports from the bitmap's
// zero origin, back onto the page.
func pointsBounds(points []gozxing.ResultPoint, scale float64, origin image.Point) image.Rectangle {
	if len(points) == 0 {
		return image.Rectangle{}
	}
	minX, minY := points[0].GetX(), points[0].GetY()
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		minX = min(minX, p.GetX())
		minY = min(minY, p.GetY())
		maxX = max(maxX, p.GetX())
		maxY = max(maxY, p.GetY())
	}
	tx := func(v float64, o int) int { return int(v*scale+0.5) + o }
	return image.Rect(tx(minX, origin.X), tx(minY, origin.Y), tx(maxX, origin.X)+1, tx(maxY, origin.Y)+1)
}
