package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const fetchChunkSize = 32 * 1024

// ErrInterrupted marks a transfer stopped by shutdown rather than by the user
var ErrInterrupted = errors.New("download interrupted")

// ProgressSink receives the engine-side download callbacks
type ProgressSink interface {
	OnDownloadProgress(ctx context.Context, id string, received, total int64) error
	OnDownloadFinished(ctx context.Context, id string, outcome domain.Outcome) error
}

// FetcherConfig configures the HTTP fetcher
type FetcherConfig struct {
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimitBytes int // Bytes per second across all transfers, 0 for unlimited
	UserAgent      string
}

// HTTPFetcher plays the engine's role for downloads requested through the
// API: it streams a URL into the record's partial file and reports progress.
// It implements domain.TransferController.
type HTTPFetcher struct {
	config  FetcherConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
	wg        sync.WaitGroup
}

type transfer struct {
	cancel context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond
	paused      bool
	done        bool
	interrupted bool
}

// NewHTTPFetcher creates a fetcher
func NewHTTPFetcher(config FetcherConfig, logger *zap.Logger) *HTTPFetcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimitBytes > 0 {
		burst := config.RateLimitBytes
		if burst < fetchChunkSize {
			burst = fetchChunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitBytes), burst)
	}

	return &HTTPFetcher{
		config:    config,
		limiter:   limiter,
		logger:    logger,
		transfers: make(map[string]*transfer),
	}
}

func (f *HTTPFetcher) newClient(jar http.CookieJar) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = f.config.MaxRetries
	if f.config.RetryDelay > 0 {
		client.RetryWaitMin = f.config.RetryDelay
		client.RetryWaitMax = 10 * f.config.RetryDelay
	}
	client.HTTPClient.Jar = jar
	client.Logger = nil
	return client
}

// Fetch starts streaming record.URL into record.PartialPath() in the
// background. jar is the originating partition's cookie jar.
func (f *HTTPFetcher) Fetch(ctx context.Context, record *domain.DownloadRecord, jar http.CookieJar, sink ProgressSink) error {
	f.mu.Lock()
	if _, exists := f.transfers[record.ID]; exists {
		f.mu.Unlock()
		return fmt.Errorf("transfer %s already running", record.ID)
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &transfer{cancel: cancel}
	t.cond = sync.NewCond(&t.mu)
	f.transfers[record.ID] = t
	f.wg.Add(1)
	f.mu.Unlock()

	id, url, partial, private := record.ID, record.URL, record.PartialPath(), record.IsPrivate()

	go func() {
		defer f.wg.Done()
		defer cancel()

		outcome := f.stream(tctx, t, id, url, partial, private, jar, sink)
		if outcome.State == domain.StateCancelled {
			if t.wasInterrupted() {
				outcome = domain.OutcomeFailed(ErrInterrupted)
			} else if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
				f.logger.Warn("Failed to remove partial file", zap.String("download_id", id), zap.Error(err))
			}
		}
		// The transfer is gone before anyone hears the outcome
		f.remove(id)
		if err := sink.OnDownloadFinished(context.Background(), id, outcome); err != nil {
			f.logger.Warn("Failed to report download outcome", zap.String("download_id", id), zap.Error(err))
		}
	}()

	return nil
}

func (f *HTTPFetcher) stream(ctx context.Context, t *transfer, id, url, partial string, private bool, jar http.CookieJar, sink ProgressSink) domain.Outcome {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.OutcomeFailed(err)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.newClient(jar).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.OutcomeCancelled()
		}
		return domain.OutcomeFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.OutcomeFailed(fmt.Errorf("unexpected status %s", resp.Status))
	}

	perm := os.FileMode(0644)
	if private {
		perm = 0600
	}
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return domain.OutcomeFailed(err)
	}

	received, err := f.copy(ctx, t, file, resp.Body, id, resp.ContentLength, sink)
	closeErr := file.Close()
	switch {
	case ctx.Err() != nil:
		return domain.OutcomeCancelled()
	case err != nil:
		return domain.OutcomeFailed(err)
	case closeErr != nil:
		return domain.OutcomeFailed(closeErr)
	case resp.ContentLength > 0 && received < resp.ContentLength:
		return domain.OutcomeFailed(io.ErrUnexpectedEOF)
	}

	if resp.ContentLength > 0 {
		// Reaching the total completes the record, so it is only reported
		// once the file is closed
		if err := sink.OnDownloadProgress(ctx, id, received, resp.ContentLength); err != nil {
			f.logger.Debug("Final progress report rejected", zap.String("download_id", id), zap.Error(err))
		}
	}
	return domain.OutcomeCompleted()
}

func (f *HTTPFetcher) copy(ctx context.Context, t *transfer, dst io.Writer, src io.Reader, id string, total int64, sink ProgressSink) (int64, error) {
	if total < 0 {
		total = 0
	}
	buf := make([]byte, fetchChunkSize)
	var received int64

	for {
		if err := t.waitWhilePaused(ctx); err != nil {
			return received, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := f.limiter.WaitN(ctx, n); err != nil {
				return received, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return received, err
			}
			received += int64(n)
			if total == 0 || received < total {
				if err := sink.OnDownloadProgress(ctx, id, received, total); err != nil {
					f.logger.Debug("Progress report rejected", zap.String("download_id", id), zap.Error(err))
				}
			}
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			return received, readErr
		}
	}
}

func (f *HTTPFetcher) remove(id string) {
	f.mu.Lock()
	t := f.transfers[id]
	delete(f.transfers, id)
	f.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		t.done = true
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

func (f *HTTPFetcher) lookup(id string) (*transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no transfer for download %s", domain.ErrInvalidHandle, id)
	}
	return t, nil
}

// Pause suspends reading after the current chunk
func (f *HTTPFetcher) Pause(id string) error {
	t, err := f.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	return nil
}

// Resume continues a paused transfer
func (f *HTTPFetcher) Resume(id string) error {
	t, err := f.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.paused = false
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// Cancel aborts a transfer. Cancelling a finished transfer is a no-op.
func (f *HTTPFetcher) Cancel(id string) error {
	t, err := f.lookup(id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidHandle) {
			return nil
		}
		return err
	}
	t.cancel()
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// Active returns the number of running transfers
func (f *HTTPFetcher) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// Shutdown interrupts every transfer, keeping partial files, and waits for
// them to report
func (f *HTTPFetcher) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	for _, t := range f.transfers {
		t.mu.Lock()
		t.interrupted = true
		t.cancel()
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transfer) waitWhilePaused(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.done && ctx.Err() == nil {
		t.cond.Wait()
	}
	return ctx.Err()
}

func (t *transfer) wasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}
