package main

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// asyncWriter decouples log emission from the request path. Lines are pushed
// onto a buffered channel and drained by a single background goroutine; when
// the channel is saturated the line is dropped and counted instead of blocking
// the handler that produced it.
type asyncWriter struct {
	sink    io.Writer
	lines   chan []byte
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

const asyncWriterDepth = 4096

func newAsyncWriter(sink io.Writer) *asyncWriter {
	w := &asyncWriter{
		sink:  sink,
		lines: make(chan []byte, asyncWriterDepth),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	// logrus reuses the buffer after Write returns, so the line has to be
	// copied before it crosses the channel.
	line := make([]byte, len(p))
	copy(line, p)

	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
		logDroppedLines.Inc()
	}
	return len(p), nil
}

func (w *asyncWriter) drain() {
	defer close(w.done)
	for line := range w.lines {
		w.sink.Write(line)
	}
}

// Dropped reports how many log lines were discarded because the writer
// channel was saturated.
func (w *asyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes queued lines and stops the drain goroutine.
func (w *asyncWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.lines)
		<-w.done
	})
}

var (
	logger    = logrus.New()
	logWriter *asyncWriter
)

func setupLogging(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logWriter = newAsyncWriter(os.Stderr)
	logger.SetOutput(logWriter)
	logger.SetLevel(parsed)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}
