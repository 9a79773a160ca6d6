// Package release discovers Alpine release branches and patch revisions from
// the mirror's directory listings.
package release

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/blang/semver/v4"
	"github.com/samber/lo"
)

var (
	// branchLinkRe matches version directory links in the mirror index
	branchLinkRe = regexp.MustCompile(`href="v(\d+\.\d+)/?"`)
	// branchBareRe is the looser fallback when the index markup changes
	branchBareRe = regexp.MustCompile(`\bv(\d+\.\d+)\b`)
)

// Resolver determines the latest stable branch and patch revision. It never
// fails hard: a branch is always produced, falling back to the configured
// default when the index is unreachable or unparseable.
type Resolver struct {
	client        *http.Client
	mirrorURL     string
	defaultBranch string
	logger        *slog.Logger
}

// NewResolver creates a resolver against the given mirror base URL.
func NewResolver(client *http.Client, mirrorURL, defaultBranch string, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:        client,
		mirrorURL:     mirrorURL,
		defaultBranch: defaultBranch,
		logger:        logger,
	}
}

// LatestBranch returns the numerically greatest major.minor branch listed in
// the mirror index, or the default branch if nothing can be extracted.
func (r *Resolver) LatestBranch(ctx context.Context) string {
	body, err := r.fetchIndex(ctx, r.mirrorURL+"/")
	if err != nil {
		r.logger.Warn("release index unreachable, using default branch",
			"default", r.defaultBranch, "error", err)
		return r.defaultBranch
	}

	candidates := extractBranches(branchLinkRe, body)
	if len(candidates) == 0 {
		candidates = extractBranches(branchBareRe, body)
	}
	if len(candidates) == 0 {
		r.logger.Warn("no branches parsed from release index, using default branch",
			"default", r.defaultBranch)
		return r.defaultBranch
	}

	versions := lo.FilterMap(candidates, func(c string, _ int) (semver.Version, bool) {
		v, err := semver.ParseTolerant(c)
		return v, err == nil
	})
	if len(versions) == 0 {
		return r.defaultBranch
	}

	semver.Sort(versions)
	latest := versions[len(versions)-1]
	return fmt.Sprintf("%d.%d", latest.Major, latest.Minor)
}

// LatestPatch returns the greatest patch revision of branch published in the
// per-architecture releases listing, or 0 if none is found.
func (r *Resolver) LatestPatch(ctx context.Context, branch, dirArch, fileArch string) int {
	url := fmt.Sprintf("%s/v%s/releases/%s/", r.mirrorURL, branch, dirArch)
	body, err := r.fetchIndex(ctx, url)
	if err != nil {
		r.logger.Warn("releases index unreachable, assuming patch 0",
			"branch", branch, "error", err)
		return 0
	}

	re := regexp.MustCompile(fmt.Sprintf(`alpine-minirootfs-%s\.(\d+)-%s\.tar\.gz`,
		regexp.QuoteMeta(branch), regexp.QuoteMeta(fileArch)))

	patch := 0
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		if p, err := strconv.Atoi(m[1]); err == nil && p > patch {
			patch = p
		}
	}
	return patch
}

func (r *Resolver) fetchIndex(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read index: %w", err)
	}
	return string(body), nil
}

func extractBranches(re *regexp.Regexp, body string) []string {
	matches := re.FindAllStringSubmatch(body, -1)
	branches := lo.Map(matches, func(m []string, _ int) string { return m[1] })
	return lo.Uniq(branches)
}
