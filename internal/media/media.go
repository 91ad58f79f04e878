package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"instafeed/internal/social"
)

var ErrUnsupportedMedia = errors.New("unsupported media type")

// Encoded is media inlined as a data URI.
type Encoded struct {
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// EncodeBytes sniffs the content type of data and inlines it as
// data:<mime>;base64,<payload>. Only images and videos are accepted.
func EncodeBytes(data []byte) (Encoded, error) {
	return EncodeNamed(data, "")
}

// EncodeNamed is EncodeBytes for data that came with a file name. When the
// content is opaque binary the name's extension decides the type.
func EncodeNamed(data []byte, name string) (Encoded, error) {
	ct := sniff(data)
	kind := kindOf(ct)
	if kind == "" && ct == "application/octet-stream" && name != "" {
		if byExt := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); kindOf(byExt) != "" {
			ct, kind = byExt, kindOf(byExt)
		}
	}
	if kind == "" {
		return Encoded{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, ct)
	}

	return Encoded{
		MediaURL:  "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(data),
		MediaType: kind,
		MimeType:  ct,
		Size:      int64(len(data)),
	}, nil
}

// EncodeFile reads a local file and encodes it with EncodeNamed.
func EncodeFile(path string) (Encoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Encoded{}, err
	}
	return EncodeNamed(data, path)
}

func init() {
	for ext, ct := range map[string]string{
		".mov":  "video/quicktime",
		".qt":   "video/quicktime",
		".m4v":  "video/x-m4v",
		".3gp":  "video/3gpp",
		".3g2":  "video/3gpp2",
		".heic": "image/heic",
	} {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, ct)
		}
	}
}

// sniff extends http.DetectContentType with the ISO media containers phone
// cameras write, which the standard sniffer reports as octet-stream.
func sniff(data []byte) string {
	ct := baseType(http.DetectContentType(data))
	if kindOf(ct) != "" || len(data) < 12 {
		return ct
	}

	box := string(data[4:8])
	if box != "ftyp" {
		switch box {
		case "moov", "mdat", "wide", "free", "skip":
			return "video/quicktime"
		}
		return ct
	}
	brand := string(data[8:12])
	switch {
	case brand == "qt  ":
		return "video/quicktime"
	case brand == "M4V " || brand == "M4VH":
		return "video/x-m4v"
	case strings.HasPrefix(brand, "3gp"):
		return "video/3gpp"
	case strings.HasPrefix(brand, "3g2"):
		return "video/3gpp2"
	case brand == "heic" || brand == "heix":
		return "image/heic"
	}
	return ct
}

func kindOf(ct string) string {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return social.MediaImage
	case strings.HasPrefix(ct, "video/"):
		return social.MediaVideo
	}
	return ""
}

func baseType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
