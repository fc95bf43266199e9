package sqlite

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// parseDSN maps sqlite://<path>[?<driver params>] to what the driver opens.
// Relative paths get a ./ prefix; :memory: is passed through.
func parseDSN(dsn string) (string, error) {
	rest, ok := strings.CutPrefix(dsn, "sqlite://")
	if !ok {
		return "", fmt.Errorf("sqlite dsn %q: expected the sqlite:// scheme", dsn)
	}
	path, params, _ := strings.Cut(rest, "?")
	if path == "" {
		return "", fmt.Errorf("sqlite dsn %q: no database path", dsn)
	}
	if path != ":memory:" {
		unescaped, err := url.PathUnescape(path)
		if err != nil {
			return "", fmt.Errorf("sqlite dsn %q: %w", dsn, err)
		}
		path = unescaped
		if !filepath.IsAbs(path) && !strings.HasPrefix(path, "./") {
			path = "./" + path
		}
	}
	if params != "" {
		path += "?" + params
	}
	return path, nil
}
