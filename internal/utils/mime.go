package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MIMETypeForPath guesses the content type of a torrent file from its
// extension.
func MIMETypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".ogg":
		return "video/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".srt":
		return "application/x-subrip"
	default:
		return "application/octet-stream"
	}
}

// ContentDisposition builds an inline disposition for a torrent file path.
func ContentDisposition(path string) string {
	return fmt.Sprintf(`inline; filename="%s"`, filepath.Base(path))
}
