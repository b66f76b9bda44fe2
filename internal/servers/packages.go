// ABOUTME: Package index search for discovering installable MCP servers
// ABOUTME: Queries the npm registry and PyPI over HTTP

package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Package index names accepted by PackageIndex.Search.
const (
	IndexNPM  = "npm"
	IndexPyPI = "pip"
	IndexAll  = "all"
)

// Default index endpoints.
const (
	DefaultNPMURL  = "https://registry.npmjs.org"
	DefaultPyPIURL = "https://pypi.org"
)

// maxNPMResults bounds the npm search page size.
const maxNPMResults = 20

// ErrUnknownIndex indicates a package index name other than npm, pip, or all.
var ErrUnknownIndex = errors.New("unknown package index")

// Package is a package index hit.
type Package struct {
	Index       string
	Name        string
	Description string
	Version     string
}

// PackageIndexOptions configures a PackageIndex.
type PackageIndexOptions struct {
	NPMURL  string
	PyPIURL string
	Timeout time.Duration
}

// PackageIndex searches public package indexes for MCP servers.
type PackageIndex struct {
	npmURL  string
	pypiURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewPackageIndex creates a PackageIndex. Empty URLs use the public indexes.
func NewPackageIndex(opts PackageIndexOptions, logger *slog.Logger) *PackageIndex {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NPMURL == "" {
		opts.NPMURL = DefaultNPMURL
	}
	if opts.PyPIURL == "" {
		opts.PyPIURL = DefaultPyPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &PackageIndex{
		npmURL:  strings.TrimSuffix(opts.NPMURL, "/"),
		pypiURL: strings.TrimSuffix(opts.PyPIURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger.With("component", "package-index"),
	}
}

// Search queries the selected index, or both for IndexAll. An index that
// cannot be reached contributes an empty list and a logged warning.
func (p *PackageIndex) Search(ctx context.Context, query, index string) (map[string][]Package, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty search query")
	}
	if index == "" {
		index = IndexAll
	}
	if index != IndexNPM && index != IndexPyPI && index != IndexAll {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}

	results := make(map[string][]Package)
	if index == IndexNPM || index == IndexAll {
		pkgs, err := p.searchNPM(ctx, query)
		if err != nil {
			p.logger.Warn("npm search failed", "query", query, "error", err)
		}
		results[IndexNPM] = pkgs
	}
	if index == IndexPyPI || index == IndexAll {
		pkgs, err := p.lookupPyPI(ctx, query)
		if err != nil {
			p.logger.Warn("PyPI lookup failed", "query", query, "error", err)
		}
		results[IndexPyPI] = pkgs
	}
	return results, nil
}

type npmSearchResponse struct {
	Objects []struct {
		Package struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Version     string `json:"version"`
		} `json:"package"`
	} `json:"objects"`
}

func (p *PackageIndex) searchNPM(ctx context.Context, query string) ([]Package, error) {
	params := url.Values{}
	params.Set("text", "mcp-server "+query)
	params.Set("size", fmt.Sprint(maxNPMResults))

	var resp npmSearchResponse
	found, err := p.getJSON(ctx, p.npmURL+"/-/v1/search?"+params.Encode(), &resp)
	if err != nil || !found {
		return nil, err
	}

	pkgs := make([]Package, 0, len(resp.Objects))
	for _, obj := range resp.Objects {
		pkgs = append(pkgs, Package{
			Index:       IndexNPM,
			Name:        obj.Package.Name,
			Description: obj.Package.Description,
			Version:     obj.Package.Version,
		})
	}
	return pkgs, nil
}

type pypiProjectResponse struct {
	Info struct {
		Name    string `json:"name"`
		Summary string `json:"summary"`
		Version string `json:"version"`
	} `json:"info"`
}

// lookupPyPI fetches the exact project named query; PyPI has no search API.
func (p *PackageIndex) lookupPyPI(ctx context.Context, query string) ([]Package, error) {
	var resp pypiProjectResponse
	found, err := p.getJSON(ctx, p.pypiURL+"/pypi/"+url.PathEscape(query)+"/json", &resp)
	if err != nil || !found {
		return nil, err
	}
	return []Package{{
		Index:       IndexPyPI,
		Name:        resp.Info.Name,
		Description: resp.Info.Summary,
		Version:     resp.Info.Version,
	}}, nil
}

// getJSON decodes the response body into out. A 404 reports found=false.
func (p *PackageIndex) getJSON(ctx context.Context, rawURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("index returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return true, nil
}
