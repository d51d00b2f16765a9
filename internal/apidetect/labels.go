package apidetect

import "strings"

// Discovery labels understood by the detector.
const (
	LabelAPIEnabled     = "homelab.api.enabled"
	LabelAPIType        = "homelab.api.type"
	LabelAPIEndpoint    = "homelab.api.endpoint"
	LabelComposeService = "com.docker.compose.service"
)

// labelDeclaration returns the API declared through homelab.api.* labels.
func labelDeclaration(labels map[string]string) (typ, endpoint string, ok bool) {
	if !strings.EqualFold(strings.TrimSpace(labels[LabelAPIEnabled]), "true") {
		return "", "", false
	}
	typ = strings.TrimSpace(labels[LabelAPIType])
	if typ == "" {
		typ = "custom"
	}
	endpoint = strings.TrimSpace(labels[LabelAPIEndpoint])
	if endpoint == "" {
		endpoint = "/api"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return typ, endpoint, true
}

// typeHint returns the API type suggested by labels without declaring an API.
func typeHint(labels map[string]string) string {
	if t := strings.TrimSpace(labels[LabelAPIType]); t != "" {
		return strings.ToLower(t)
	}
	return strings.ToLower(strings.TrimSpace(labels[LabelComposeService]))
}
