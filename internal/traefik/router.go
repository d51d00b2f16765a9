package traefik

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/HerbHall/labdash/pkg/models"
)

var (
	hostRe       = regexp.MustCompile("Host\\([`\"]([^`\"]+)[`\"]")
	pathPrefixRe = regexp.MustCompile("PathPrefix\\([`\"]([^`\"]+)[`\"]\\)")

	errInternal = errors.New("internal router")
	errNoHost   = errors.New("rule has no Host matcher")
)

// RouterDescriptor is one router mapped to a candidate service.
type RouterDescriptor struct {
	RouterName  string   `json:"router_name"`
	ServiceName string   `json:"service_name"`
	DisplayName string   `json:"display_name"`
	Rule        string   `json:"rule"`
	Host        string   `json:"host"`
	PathPrefix  string   `json:"path_prefix,omitempty"`
	URL         string   `json:"url"`
	Provider    string   `json:"provider"`
	EntryPoints []string `json:"entry_points,omitempty"`
	TLS         bool     `json:"tls"`
	Tags        []string `json:"tags"`
	// Labels are container labels attached by the caller from a label
	// source; the Traefik API does not return them.
	Labels map[string]string `json:"labels,omitempty"`
}

// ServiceType maps the router's provider to a service classification.
func (d RouterDescriptor) ServiceType() models.ServiceType {
	p := strings.ToLower(d.Provider)
	switch {
	case strings.HasPrefix(p, "docker"), strings.HasPrefix(p, "swarm"):
		return models.ServiceTypeContainer
	case strings.HasPrefix(p, "kubernetes"):
		return models.ServiceTypeOrchestrated
	case p == "file":
		return models.ServiceTypeOther
	}
	return models.ServiceTypeOther
}

// LabelKey is the name used to look up container labels for the router:
// the router name without its @provider suffix.
func (d RouterDescriptor) LabelKey() string {
	name, _, _ := strings.Cut(d.RouterName, "@")
	return name
}

// Describe maps a raw router to a descriptor.
func Describe(r Router) (RouterDescriptor, error) {
	if strings.Contains(r.Name, "@internal") || strings.Contains(r.Service, "@internal") {
		return RouterDescriptor{}, errInternal
	}
	host, prefix, err := ParseRule(r.Rule)
	if err != nil {
		return RouterDescriptor{}, err
	}

	tls := r.HasTLS() || slices.ContainsFunc(r.EntryPoints, isSecureEntryPoint)
	scheme := "http"
	if tls {
		scheme = "https"
	}

	return RouterDescriptor{
		RouterName:  r.Name,
		ServiceName: r.Service,
		DisplayName: DisplayName(r.Name),
		Rule:        r.Rule,
		Host:        host,
		PathPrefix:  prefix,
		URL:         fmt.Sprintf("%s://%s%s", scheme, host, strings.TrimRight(prefix, "/")),
		Provider:    r.Provider,
		EntryPoints: r.EntryPoints,
		TLS:         tls,
		Tags:        Tags(r),
	}, nil
}

// ParseRule extracts the first Host and optional PathPrefix from a rule.
func ParseRule(rule string) (host, pathPrefix string, err error) {
	m := hostRe.FindStringSubmatch(rule)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", errNoHost, rule)
	}
	host = strings.TrimSpace(m[1])
	// Host(`a`, `b`) in Traefik v3 syntax: take the first.
	if i := strings.IndexAny(host, "`\","); i >= 0 {
		host = strings.TrimSpace(host[:i])
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: %q", errNoHost, rule)
	}
	if p := pathPrefixRe.FindStringSubmatch(rule); p != nil {
		pathPrefix = p[1]
	}
	return host, pathPrefix, nil
}

// DisplayName turns "media-server_v2@docker" into "Media Server V2".
func DisplayName(routerName string) string {
	name, _, _ := strings.Cut(routerName, "@")
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	words := strings.Fields(name)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// Tags returns the provider, plus "docker" when the router name mentions it.
func Tags(r Router) []string {
	tags := []string{}
	if r.Provider != "" {
		tags = append(tags, r.Provider)
	}
	if strings.Contains(strings.ToLower(r.Name), "docker") && r.Provider != "docker" {
		tags = append(tags, "docker")
	}
	return tags
}

func isSecureEntryPoint(ep string) bool {
	switch strings.ToLower(ep) {
	case "websecure", "https", "web-secure", "443":
		return true
	}
	return false
}
