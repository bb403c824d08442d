package metadata

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/google/uuid"
)

// RunAt is the page-readiness phase a script is injected at.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document-start"
	RunAtDocumentEnd   RunAt = "document-end"
	RunAtDocumentIdle  RunAt = "document-idle"
)

// Phases lists run-at phases in firing order.
var Phases = []RunAt{RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle}

// Index returns the position of r in Phases, or -1 for an unknown phase.
func (r RunAt) Index() int {
	for i, p := range Phases {
		if p == r {
			return i
		}
	}
	return -1
}

// ParseRunAt maps a raw @run-at value onto a known phase.
func ParseRunAt(raw string) (RunAt, bool) {
	r := RunAt(strings.ToLower(strings.TrimSpace(raw)))
	if r.Index() < 0 {
		return RunAtDocumentIdle, false
	}
	return r, true
}

// Resource is a named @resource entry.
type Resource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Metadata is the parsed ==UserScript== block.
type Metadata struct {
	Name               string              `json:"name"`
	Namespace          string              `json:"namespace"`
	GeneratedNamespace bool                `json:"generated_namespace,omitempty"`
	Version            string              `json:"version,omitempty"`
	Description        string              `json:"description,omitempty"`
	Author             string              `json:"author,omitempty"`
	Homepage           string              `json:"homepage,omitempty"`
	Icon               string              `json:"icon,omitempty"`
	Grants             []string            `json:"grants,omitempty"`
	Includes           []string            `json:"includes,omitempty"`
	Matches            []string            `json:"matches,omitempty"`
	Excludes           []string            `json:"excludes,omitempty"`
	Requires           []string            `json:"requires,omitempty"`
	Connects           []string            `json:"connects,omitempty"`
	Resources          []Resource          `json:"resources,omitempty"`
	RunAt              RunAt               `json:"run_at"`
	RunAtRaw           string              `json:"run_at_raw,omitempty"`
	Priority           int                 `json:"priority,omitempty"`
	UpdateURL          string              `json:"update_url,omitempty"`
	DownloadURL        string              `json:"download_url,omitempty"`
	NoFrames           bool                `json:"noframes,omitempty"`
	Extra              map[string][]string `json:"extra,omitempty"`
	Raw                string              `json:"raw"`
}

var (
	startMarker = regexp.MustCompile(`^\s*//\s*==UserScript==\s*$`)
	endMarker   = regexp.MustCompile(`^\s*//\s*==/UserScript==\s*$`)
)

// Block returns the text between the metadata markers, without the markers.
func Block(src string) (string, error) {
	var (
		lines   []string
		started bool
	)
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), len(src)+1)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if !started {
			if startMarker.MatchString(line) {
				started = true
			}
			continue
		}
		if endMarker.MatchString(line) {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return "", apperr.Metadata("read script source", err)
	}
	if !started {
		return "", apperr.Metadata("missing // ==UserScript== block", nil)
	}
	return "", apperr.Metadata("unterminated // ==UserScript== block", nil)
}

// Parse extracts the metadata record from raw script text.
func Parse(src string) (*Metadata, error) {
	block, err := Block(src)
	if err != nil {
		return nil, err
	}

	md := &Metadata{Raw: block, RunAt: RunAtDocumentIdle}
	for n, line := range strings.Split(block, "\n") {
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}
		if err := md.apply(key, value); err != nil {
			return nil, apperr.Metadata("line "+strconv.Itoa(n+1), err)
		}
	}

	if md.Name == "" {
		return nil, apperr.Metadata("@name is required", nil)
	}
	if md.Namespace == "" {
		md.Namespace = "urn:uuid:" + uuid.NewString()
		md.GeneratedNamespace = true
	}
	return md, nil
}

// splitLine parses "// @key value". Non-metadata lines report ok=false.
func splitLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "//") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "//"))
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	line = line[1:]
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:]), line[:i] != ""
	}
	return line, "", line != ""
}

func (md *Metadata) apply(key, value string) error {
	switch strings.ToLower(key) {
	case "name":
		md.Name = value
	case "namespace":
		md.Namespace = value
	case "version":
		md.Version = value
	case "description":
		md.Description = value
	case "author":
		md.Author = value
	case "homepage", "homepageurl", "website":
		md.Homepage = value
	case "icon", "iconurl":
		md.Icon = value
	case "grant":
		md.Grants = append(md.Grants, value)
	case "include":
		md.Includes = append(md.Includes, value)
	case "match":
		md.Matches = append(md.Matches, value)
	case "exclude":
		md.Excludes = append(md.Excludes, value)
	case "require":
		md.Requires = append(md.Requires, value)
	case "connect":
		md.Connects = append(md.Connects, value)
	case "resource":
		fields := strings.Fields(value)
		if len(fields) != 2 {
			return apperr.Metadata("malformed @resource "+strconv.Quote(value), nil)
		}
		md.Resources = append(md.Resources, Resource{Name: fields[0], URL: fields[1]})
	case "run-at":
		md.RunAtRaw = value
		md.RunAt, _ = ParseRunAt(value)
	case "priority":
		p, err := strconv.Atoi(value)
		if err != nil {
			return apperr.Metadata("malformed @priority "+strconv.Quote(value), err)
		}
		md.Priority = p
	case "updateurl":
		md.UpdateURL = value
	case "downloadurl", "installurl":
		md.DownloadURL = value
	case "noframes":
		md.NoFrames = true
	default:
		if md.Extra == nil {
			md.Extra = make(map[string][]string)
		}
		md.Extra[key] = append(md.Extra[key], value)
	}
	return nil
}

// Identity returns the (namespace, name) pair identifying a script.
func (md *Metadata) Identity() (string, string) {
	return md.Namespace, md.Name
}

// UpdateSource is the URL polled for new versions: @updateURL, falling back
// to @downloadURL.
func (md *Metadata) UpdateSource() string {
	if md.UpdateURL != "" {
		return md.UpdateURL
	}
	return md.DownloadURL
}
