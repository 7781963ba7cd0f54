package openai

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

// ScanSSE turns a text/event-stream response into normalized chunks. Each
// data payload is forwarded with its raw bytes intact so the proxy can
// re-frame it without re-encoding. Termination: [DONE] sentinel, EOF,
// context cancellation, or a per-read idle timeout for stalled upstreams.
func ScanSSE(ctx context.Context, resp *http.Response, logger *zap.Logger) *backend.Stream {
	chunks := make(chan service.StreamingContent, 8)
	var terminal error
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(chunks)
		defer resp.Body.Close()

		// Force-close the body on cancellation so the scanner unblocks.
		watchdogDone := make(chan struct{})
		defer close(watchdogDone)
		go func() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
			case <-watchdogDone:
			}
		}()

		scanner := bufio.NewScanner(&backend.IdleReader{R: resp.Body, Timeout: backend.StreamIdleTimeout})
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				chunks <- service.DoneContent()
				return
			}
			item := service.ParseChunk([]byte(data))
			select {
			case chunks <- item:
			case <-ctx.Done():
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				chunks <- service.CancellationContent()
				terminal = ctx.Err()
				return
			}
			if backend.IsStreamIdle(err) {
				logger.Warn("stream idle timeout, upstream stalled",
					zap.Duration("idle_timeout", backend.StreamIdleTimeout))
				terminal = fmt.Errorf("stream stalled: no data for %v", backend.StreamIdleTimeout)
				return
			}
			terminal = fmt.Errorf("stream scan: %w", err)
			return
		}
		// EOF without [DONE]; treat as a clean end.
		chunks <- service.DoneContent()
	}()

	return &backend.Stream{
		Header: resp.Header,
		Chunks: chunks,
		Err: func() error {
			<-done
			return terminal
		},
	}
}
