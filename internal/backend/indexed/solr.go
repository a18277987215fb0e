// Package indexed implements the two-tier tile backend: a Solr search index
// answers spatial/temporal queries and a blob store holds the encoded tile
// records.
package indexed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/oceanworks/tilestore/internal/backend"
)

// solrTimeFormat is the wire format for Solr date fields.
const solrTimeFormat = "2006-01-02T15:04:05Z"

// pageSize caps the number of rows fetched per search request. Callers
// needing more page through with the start cursor.
const pageSize = 1000

// Shared transport for every Solr client in the process; the index serves
// concurrent read-only queries over one connection pool.
var (
	httpOnce   sync.Once
	httpShared *http.Client
)

func sharedHTTPClient() *http.Client {
	httpOnce.Do(func() {
		httpShared = &http.Client{Timeout: 30 * time.Second}
	})
	return httpShared
}

// SolrConfig configures the search-index client.
type SolrConfig struct {
	// URL is the Solr base URL, e.g. http://localhost:8983/solr.
	URL string `yaml:"url"`
	// Collection is the tile collection name.
	Collection string `yaml:"collection"`
	// MaxRetries bounds retry attempts on transient failures (default 3).
	MaxRetries int `yaml:"maxRetries"`
	// RetryDelay is the pause between attempts (default 2s).
	RetryDelay time.Duration `yaml:"retryDelay"`
}

func (c *SolrConfig) withDefaults() SolrConfig {
	out := *c
	if out.MaxRetries == 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = 2 * time.Second
	}
	return out
}

// SolrClient issues structured queries against one Solr collection.
type SolrClient struct {
	cfg     SolrConfig
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewSolrClient creates a client over the process-wide HTTP transport.
func NewSolrClient(cfg SolrConfig, log zerolog.Logger) *SolrClient {
	return &SolrClient{
		cfg:   cfg.withDefaults(),
		httpc: sharedHTTPClient(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "solr",
		}),
		log: log,
	}
}

// solrResponse is the subset of the Solr JSON response the query builder
// consumes.
type solrResponse struct {
	Response struct {
		NumFound int64                    `json:"numFound"`
		Start    int64                    `json:"start"`
		Docs     []map[string]interface{} `json:"docs"`
	} `json:"response"`
	FacetCounts struct {
		FacetFields map[string][]interface{} `json:"facet_fields"`
	} `json:"facet_counts"`
}

var errServerError = errors.New("solr server error")

// Search runs a /select query. Transport failures, 5xx responses and an open
// circuit surface as *backend.BackendUnavailableError after the retry budget
// is exhausted.
func (c *SolrClient) Search(ctx context.Context, params url.Values) (*solrResponse, error) {
	params.Set("wt", "json")

	endpoint := fmt.Sprintf("%s/%s/select?%s",
		strings.TrimRight(c.cfg.URL, "/"), c.cfg.Collection, params.Encode())

	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, err
	}

	var resp solrResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding solr response: %w", err)
	}
	return &resp, nil
}

// DeleteByIDs posts a delete-by-id-list to the update handler and commits.
func (c *SolrClient) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"delete": ids})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s/update?commit=true",
		strings.TrimRight(c.cfg.URL, "/"), c.cfg.Collection)

	_, err = c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	return err
}

// doWithRetry executes the request behind the circuit breaker, retrying
// transient failures with a fixed delay up to the configured ceiling.
func (c *SolrClient) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug().Int("attempt", attempt).Msg("retrying solr request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.httpc.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("solr status %d: %s", resp.StatusCode, truncate(body, 200))
			}
			return body, nil
		})
		if err == nil {
			return result.([]byte), nil
		}

		// Client-side query errors are not retryable.
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, backend.Unavailable("solr", lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, errServerError) {
		return true
	}
	// Transport-level failures (connection refused, timeouts).
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// escapeSolr escapes characters Solr treats as query syntax inside a term.
func escapeSolr(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '+', '-', '&', '|', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', '*', '?', ':', '\\', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func solrTime(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(solrTimeFormat)
}

func parseSolrTime(s string) (int64, error) {
	t, err := time.Parse(solrTimeFormat, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
