package export

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Sink receives encoded chunks in order. WriteChunk returns once the chunk
// has been handed to the transport, so a slow peer blocks the caller.
type Sink interface {
	WriteChunk(chunk []byte) error
}

// WriterSink writes chunks to w and calls flush after each one.
type WriterSink struct {
	w     io.Writer
	flush func()
}

func NewWriterSink(w io.Writer, flush func()) *WriterSink {
	return &WriterSink{w: w, flush: flush}
}

func (s *WriterSink) WriteChunk(chunk []byte) error {
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// GzipSink compresses the stream, sync-flushing the compressor after each
// chunk so every record reaches the peer as soon as it is encoded.
type GzipSink struct {
	gz    *gzip.Writer
	flush func()
}

func NewGzipSink(w io.Writer, flush func()) *GzipSink {
	return &GzipSink{gz: gzip.NewWriter(w), flush: flush}
}

func (s *GzipSink) WriteChunk(chunk []byte) error {
	if _, err := s.gz.Write(chunk); err != nil {
		return err
	}
	if err := s.gz.Flush(); err != nil {
		return fmt.Errorf("failed to flush gzip stream: %w", err)
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// Close writes the gzip trailer. Call it only after a complete stream.
func (s *GzipSink) Close() error {
	if err := s.gz.Close(); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
