package labelcode

import (
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/ChuLiYu/scangrade/pkg/types"
)

// Symbol renders the QR symbol for label as a size x size image.
// The page composer places it in the upper-right corner of the page.
func Symbol(label types.ExamLabel, size int) (image.Image, error) {
	payload, err := Encode(label)
	if err != nil {
		return nil, err
	}
	hints := map[gozxing.EncodeHintType]interface{}{
		gozxing.EncodeHintType_MARGIN: 1,
	}
	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, size, size, hints)
	if err != nil {
		return nil, fmt.Errorf("encode symbol %s: %w", payload, err)
	}
	return matrix, nil
}
