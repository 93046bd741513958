package wire

import (
	"bytes"
	"encoding/base64"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

const defaultImageFormat = "jpeg"

// convertImage maps an image block to an upstream attachment. URL images
// carry no bytes and are skipped.
func convertImage(src *anthropic.ImageSource) (Image, bool) {
	if src == nil {
		return Image{}, false
	}
	data := src.Data
	if data == "" && strings.HasPrefix(src.URL, "data:") {
		data = src.URL
	}
	if data == "" {
		log.Debug().Str("type", src.Type).Msg("wire: skipping image without inline data")
		return Image{}, false
	}

	format := ""
	if src.MediaType != "" {
		if _, sub, ok := strings.Cut(src.MediaType, "/"); ok {
			format = sub
		}
	}

	if header, payload, ok := strings.Cut(data, ","); ok && strings.HasPrefix(header, "data:") {
		if format == "" {
			format = formatFromDataURL(header)
		}
		data = payload
	}
	if format == "" {
		format = DetectImageFormat(data)
	}
	return Image{Format: format, Source: ImageSource{Bytes: data}}, true
}

// DetectImageFormat sniffs the format from the leading bytes of base64 image
// data. Unknown data is reported as jpeg.
func DetectImageFormat(b64 string) string {
	n := min(len(b64), 24)
	n -= n % 4
	head, err := base64.StdEncoding.DecodeString(b64[:n])
	if err != nil {
		return defaultImageFormat
	}
	switch {
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return "gif"
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	default:
		return defaultImageFormat
	}
}

func formatFromDataURL(header string) string {
	switch {
	case strings.Contains(header, "png"):
		return "png"
	case strings.Contains(header, "gif"):
		return "gif"
	case strings.Contains(header, "webp"):
		return "webp"
	default:
		return defaultImageFormat
	}
}
