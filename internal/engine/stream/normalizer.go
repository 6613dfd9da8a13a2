// Package stream turns raw subprocess output into normalized log entries.
package stream

import (
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

// ParseFunc converts one raw line into zero or more normalized entries.
type ParseFunc func(line string) []*executor.NormalizedEntry

// EmitFunc receives each normalized entry in stream order.
type EmitFunc func(entry *executor.NormalizedEntry)

// Normalizer reads a byte stream, splits it into lines and feeds each
// non-empty line through the engine's parser. A trailing partial line is
// carried across reads until its newline arrives.
type Normalizer struct {
	logger *logger.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{logger: log.WithFields(zap.String("component", "normalizer"))}
}

// Run consumes the reader until EOF or error. On a read error the normalizer
// emits an error-message entry carrying the error text; the supervisor is
// not terminated. Run blocks; callers run one goroutine per stream.
func (n *Normalizer) Run(r io.Reader, parse ParseFunc, emit EmitFunc) {
	var pending strings.Builder
	buf := make([]byte, 32*1024)

	flush := func(chunk string) {
		pending.WriteString(chunk)
		text := pending.String()

		for {
			idx := strings.IndexByte(text, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSuffix(text[:idx], "\r")
			text = text[idx+1:]
			n.parseLine(line, parse, emit)
		}

		pending.Reset()
		pending.WriteString(text)
	}

	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			flush(string(buf[:nr]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				n.logger.Warn("stream read error", zap.Error(err))
				emit(&executor.NormalizedEntry{
					Type:    store.EntryTypeErrorMessage,
					Content: err.Error(),
				})
			}
			break
		}
	}

	// Whatever is left without a newline is still a line.
	if rest := pending.String(); strings.TrimSpace(rest) != "" {
		n.parseLine(rest, parse, emit)
	}
}

func (n *Normalizer) parseLine(line string, parse ParseFunc, emit EmitFunc) {
	if strings.TrimSpace(line) == "" {
		return
	}
	for _, entry := range parse(line) {
		if entry == nil {
			continue
		}
		emit(entry)
	}
}
