package domain

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const maxFilenameLength = 200

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	repeatedWhitespace   = regexp.MustCompile(`\s+`)
)

// SanitizeFilename removes characters that are invalid in file names
func SanitizeFilename(name string) string {
	name = invalidFilenameChars.ReplaceAllString(name, "")
	name = repeatedWhitespace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLength {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}

	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}

// SuggestFilename derives a file name from a URL when the engine offers none
func SuggestFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return "download"
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return base
}

// UniqueFilename returns name, or "name (n).ext" if name already exists in dir
func UniqueFilename(dir, name string) string {
	if !exists(filepath.Join(dir, name)) && !exists(filepath.Join(dir, name+PartialSuffix)) {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		if !exists(filepath.Join(dir, candidate)) && !exists(filepath.Join(dir, candidate+PartialSuffix)) {
			return candidate
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
