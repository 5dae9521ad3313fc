package platform

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kamusis/pkgidx/internal/logging"
)

// IconFileType is the encoding of extracted icon bytes.
type IconFileType string

const (
	IconICO IconFileType = "ico"
	IconPNG IconFileType = "png"
)

// ExtractedIconInfo is one icon pulled from an installed program.
type ExtractedIconInfo struct {
	Bytes      []byte
	FileType   IconFileType
	Resolution string
	Theme      string
}

// iconsFromFile reads the DisplayIcon file when it is an .ico or .png.
func iconsFromFile(p Program) []ExtractedIconInfo {
	path := p.DisplayIcon
	// ARP icons are often "path,index".
	if i := strings.LastIndex(path, ","); i > 0 {
		if _, err := strconv.Atoi(strings.TrimSpace(path[i+1:])); err == nil {
			path = path[:i]
		}
	}
	path = strings.Trim(strings.TrimSpace(path), `"`)
	if path == "" {
		return nil
	}
	var ft IconFileType
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ico":
		ft = IconICO
	case ".png":
		ft = IconPNG
	default:
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		logging.Named("platform").Debug("icon read failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	return []ExtractedIconInfo{{Bytes: b, FileType: ft}}
}

var iconResult hook[[]ExtractedIconInfo]

// ExtractIcons returns the icons of p, honouring a fixed-result override.
func ExtractIcons(ctx context.Context, p Program) []ExtractedIconInfo {
	if v, ok := iconResult.get(); ok {
		return v
	}
	if ctx.Err() != nil {
		return nil
	}
	return iconsFromFile(p)
}

// SetExtractIconsResultOverride fixes ExtractIcons; nil clears it.
func SetExtractIconsResultOverride(result *[]ExtractedIconInfo) { iconResult.set(result) }

// OverrideExtractIconsResult fixes the result and returns a restore function.
func OverrideExtractIconsResult(result []ExtractedIconInfo) (restore func()) {
	return iconResult.override(result)
}
