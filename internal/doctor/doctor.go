// Package doctor validates switchboard configuration against the compiled-in
// plugin set.
package doctor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Catalog is the plugin registry as seen by the doctor.
type Catalog interface {
	Get(name string) (plugin.Capability, bool)
	All() []plugin.Capability
}

// Doctor validates configuration against registered plugins.
type Doctor struct {
	cfg     *config.Config
	catalog Catalog
}

func New(cfg *config.Config, catalog Catalog) *Doctor {
	return &Doctor{cfg: cfg, catalog: catalog}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePlugRefs(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateRedis(r)
	d.validateWebhooks(r)
	d.warnSiteCollisions(r)
	d.warnUnusedPlugins(r)
	d.warnDispatchTimings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) siteIDs() []string {
	ids := make([]string, 0, len(d.cfg.Sites))
	for id := range d.cfg.Sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validatePlugRefs checks that every plugin a site enables is registered.
func (d *Doctor) validatePlugRefs(r *Result) {
	for _, id := range d.siteIDs() {
		site := d.cfg.Sites[id]
		field := fmt.Sprintf("sites.%s.plugs", id)
		switch site.Plugs.Mode {
		case config.PlugsNone:
			d.addWarning(r, "plugs", field, fmt.Sprintf("site %q has every plugin disabled", id))
		case config.PlugsList:
			for _, name := range site.Plugs.Names {
				if _, ok := d.catalog.Get(name); !ok {
					d.addError(r, "plugs", field,
						fmt.Sprintf("site %q enables plugin %q which is not registered", id, name))
				}
			}
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants full access; prefer scoped tokens for adapters and viewers")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

func (d *Doctor) validateRedis(r *Result) {
	rc := d.cfg.Redis
	if !rc.Enabled {
		return
	}
	if rc.Addr == "" {
		d.addError(r, "redis", "redis.addr", "redis.addr is required when redis is enabled")
	}
	streams := map[string]string{}
	for field, name := range map[string]string{
		"redis.inbound_stream":  rc.InboundStream,
		"redis.outbound_stream": rc.OutboundStream,
		"redis.posted_stream":   rc.PostedStream,
	} {
		if name == "" {
			d.addError(r, "redis", field, field+" is required")
			continue
		}
		if prev, ok := streams[name]; ok {
			a, b := prev, field
			if b < a {
				a, b = b, a
			}
			d.addError(r, "redis", b, fmt.Sprintf("stream %q is also used by %s", name, a))
			continue
		}
		streams[name] = field
	}
	if rc.Group == "" {
		d.addError(r, "redis", "redis.group", "redis.group is required")
	}
}

// validateWebhooks checks for path conflicts, including with the /posted
// route each endpoint owns.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}
	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		path := strings.TrimSuffix(ep.Path, "/")
		for _, p := range []string{path, path + "/posted"} {
			if prev, ok := seen[p]; ok {
				d.addError(r, "webhooks", field+".path",
					fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", p, prev))
			}
			seen[p] = i
		}
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret", "secret is shorter than 16 characters")
		}
	}
}

// warnSiteCollisions flags sites that share a service and server id; inbound
// envelopes name their site explicitly, so this only confuses operators.
func (d *Doctor) warnSiteCollisions(r *Result) {
	seen := map[string]string{}
	for _, id := range d.siteIDs() {
		site := d.cfg.Sites[id]
		if site.ServerID == "" {
			continue
		}
		key := site.Service + "/" + site.ServerID
		if prev, ok := seen[key]; ok {
			d.addWarning(r, "sites", "sites."+id,
				fmt.Sprintf("site %q shares service %q and server_id %q with site %q", id, site.Service, site.ServerID, prev))
			continue
		}
		seen[key] = id
	}
}

// warnUnusedPlugins warns about registered plugins no site enables.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	for _, p := range d.catalog.All() {
		used := false
		for _, site := range d.cfg.Sites {
			if site.Plugs.Allows(p.Name()) {
				used = true
				break
			}
		}
		if !used {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q is registered but no site enables it", p.Name()))
		}
	}
}

func (d *Doctor) warnDispatchTimings(r *Result) {
	if t := d.cfg.Dispatch.Timeout; t > 0 && t < 50*time.Millisecond {
		d.addWarning(r, "dispatch", "dispatch.timeout",
			fmt.Sprintf("timeout %s is very short; most plugins will be timed out", t))
	}
	if t := d.cfg.Dispatch.Timeout; t > 10*time.Second {
		d.addWarning(r, "dispatch", "dispatch.timeout",
			fmt.Sprintf("timeout %s is very long; a slow plugin delays every reply", t))
	}
	if o := d.cfg.Dispatch.OrphanDelay; o > 0 && o < time.Second {
		d.addWarning(r, "dispatch", "dispatch.orphan_delay",
			fmt.Sprintf("orphan_delay %s is shorter than most services take to post", o))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
