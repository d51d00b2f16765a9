package apidetect

import "strings"

// KnownApp is the default API location of a well-known homelab application.
type KnownApp struct {
	Type     string
	Endpoint string
}

// knownApps is keyed by canonicalName of the application.
var knownApps = map[string]KnownApp{
	"qbittorrent":   {Type: "qbittorrent", Endpoint: "/api/v2/app/version"},
	"sonarr":        {Type: "sonarr", Endpoint: "/api/v3/system/status"},
	"radarr":        {Type: "radarr", Endpoint: "/api/v3/system/status"},
	"lidarr":        {Type: "lidarr", Endpoint: "/api/v1/system/status"},
	"readarr":       {Type: "readarr", Endpoint: "/api/v1/system/status"},
	"prowlarr":      {Type: "prowlarr", Endpoint: "/api/v1/system/status"},
	"bazarr":        {Type: "bazarr", Endpoint: "/api/system/status"},
	"overseerr":     {Type: "overseerr", Endpoint: "/api/v1/status"},
	"jellyseerr":    {Type: "jellyseerr", Endpoint: "/api/v1/status"},
	"tautulli":      {Type: "tautulli", Endpoint: "/api/v2"},
	"jellyfin":      {Type: "jellyfin", Endpoint: "/System/Info/Public"},
	"emby":          {Type: "emby", Endpoint: "/System/Info/Public"},
	"plex":          {Type: "plex", Endpoint: "/identity"},
	"portainer":     {Type: "portainer", Endpoint: "/api/status"},
	"pihole":        {Type: "pihole", Endpoint: "/admin/api.php"},
	"adguard":       {Type: "adguard", Endpoint: "/control/status"},
	"adguardhome":   {Type: "adguard", Endpoint: "/control/status"},
	"homeassistant": {Type: "homeassistant", Endpoint: "/api/"},
	"grafana":       {Type: "grafana", Endpoint: "/api/health"},
	"prometheus":    {Type: "prometheus", Endpoint: "/api/v1/status/buildinfo"},
	"traefik":       {Type: "traefik", Endpoint: "/api/version"},
	"gitea":         {Type: "gitea", Endpoint: "/api/v1/version"},
	"nextcloud":     {Type: "nextcloud", Endpoint: "/status.php"},
	"proxmox":       {Type: "proxmox", Endpoint: "/api2/json/version"},
	"uptimekuma":    {Type: "uptimekuma", Endpoint: "/metrics"},
	"sabnzbd":       {Type: "sabnzbd", Endpoint: "/api"},
	"nzbget":        {Type: "nzbget", Endpoint: "/jsonrpc"},
	"transmission":  {Type: "transmission", Endpoint: "/transmission/rpc"},
	"immich":        {Type: "immich", Endpoint: "/api/server/ping"},
	"paperless":     {Type: "paperless", Endpoint: "/api/"},
	"vaultwarden":   {Type: "vaultwarden", Endpoint: "/alive"},
}

// LookupKnown matches name against the well-known application table,
// ignoring case, spaces, dashes and underscores.
func LookupKnown(name string) (KnownApp, bool) {
	app, ok := knownApps[canonicalName(name)]
	return app, ok
}

func canonicalName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))
}
