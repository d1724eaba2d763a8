package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGELFWriter opens a UDP GELF writer to a Graylog input at addr.
func NewGELFWriter(addr string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create GELF writer for %s: %w", addr, err)
	}
	return w, nil
}

// NewGELFHandler returns a JSON handler writing one record per GELF message.
// The record line becomes the GELF short message; the JSON attributes are
// indexed by Graylog's JSON extractor.
func NewGELFHandler(w io.Writer, lvl slog.Level) slog.Handler {
	opts := handlerOptions(lvl)
	return slog.NewJSONHandler(w, opts)
}
