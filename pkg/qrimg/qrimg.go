package qrimg

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
)

const pngSize = 256

// DataURL renders a QR payload as a PNG data URL suitable for an <img> tag.
func DataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, pngSize)
	if err != nil {
		return "", fmt.Errorf("render qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PrintTerminal draws the QR payload as half-block characters, for scanning
// straight off a server console.
func PrintTerminal(payload string, w io.Writer) {
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, w)
}
