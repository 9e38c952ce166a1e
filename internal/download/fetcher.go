package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nvandessel/simcore/internal/bundle"
)

// Fetcher transfers one asset into w. progress is called with the bytes
// written so far and the total size, or -1 when the size is unknown.
// Implementations must stop promptly once ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, category bundle.Category, id string, w io.Writer, progress func(done, total int64)) error
}

// HTTPFetcher downloads assets from <BaseURL>/assets/<category>/<id>.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the asset server at baseURL. A zero
// timeout leaves transfers unbounded; cancellation still applies.
func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// URL returns the download location of an asset.
func (f *HTTPFetcher) URL(category bundle.Category, id string) string {
	return f.baseURL + "/assets/" + url.PathEscape(string(category)) + "/" + url.PathEscape(id)
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, category bundle.Category, id string, w io.Writer, progress func(done, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(category, id), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("asset server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return copyWithProgress(ctx, w, resp.Body, resp.ContentLength, progress)
}

// copyWithProgress copies src to dst, checking ctx between chunks.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(done, total int64)) error {
	buf := make([]byte, 32*1024)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing asset: %w", err)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reading asset: %w", rerr)
		}
	}
}
