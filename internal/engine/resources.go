package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/dgnsrekt/gmhost/internal/update"
)

// fetchDependencies downloads @require and @resource bodies into sc. Any
// failure rejects the install or update so a script never runs without
// the code it declared.
func (s *Service) fetchDependencies(ctx context.Context, sc *script.Script) error {
	md := sc.Meta
	ctx, cancel := context.WithTimeout(ctx, s.fetchTO)
	defer cancel()

	requires := make([]script.CachedResource, 0, len(md.Requires))
	for _, raw := range md.Requires {
		res, err := s.fetchResource(ctx, sc.SourceURL, raw)
		if err != nil {
			return err
		}
		requires = append(requires, res)
	}

	resources := make(map[string]script.CachedResource, len(md.Resources))
	for _, r := range md.Resources {
		res, err := s.fetchResource(ctx, sc.SourceURL, r.URL)
		if err != nil {
			return err
		}
		resources[r.Name] = res
	}

	sc.Requires = requires
	sc.Resources = resources
	return nil
}

func (s *Service) fetchResource(ctx context.Context, base, raw string) (script.CachedResource, error) {
	target, err := resolveRef(base, raw)
	if err != nil {
		return script.CachedResource{}, err
	}
	if target.Scheme == "file" {
		data, err := os.ReadFile(target.Path)
		if err != nil {
			return script.CachedResource{}, apperr.Storage("read "+target.Path, err)
		}
		return script.CachedResource{URL: target.String(), ContentType: http.DetectContentType(data), Data: data}, nil
	}

	data, ctype, err := update.FetchBytes(ctx, s.client, target.String())
	if err != nil {
		return script.CachedResource{}, err
	}
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	return script.CachedResource{URL: target.String(), ContentType: ctype, Data: data}, nil
}

// resolveRef resolves a dependency URL against the script's source URL.
// Without a source URL the reference must be absolute.
func resolveRef(base, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, apperr.Metadata(fmt.Sprintf("bad dependency url %q", raw), err)
	}
	if !ref.IsAbs() {
		b, err := url.Parse(base)
		if base == "" || err != nil {
			return nil, apperr.Metadata(fmt.Sprintf("relative dependency url %q needs an installed source url", raw), nil)
		}
		ref = b.ResolveReference(ref)
	}
	switch ref.Scheme {
	case "http", "https":
		return ref, nil
	case "file":
		// Only scripts loaded from disk may pull in local files.
		if b, err := url.Parse(base); err == nil && b.Scheme == "file" {
			return ref, nil
		}
		return nil, apperr.Metadata(fmt.Sprintf("local dependency %q not allowed for remote script", raw), nil)
	default:
		return nil, apperr.Metadata(fmt.Sprintf("unsupported dependency scheme %q", ref.Scheme), nil)
	}
}
