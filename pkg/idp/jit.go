package idp

import "strings"

// JitSettings controls just-in-time provisioning, derived from the provider
// config map rather than persisted separately.
type JitSettings struct {
	CreateUsers   bool           `json:"create_users"`
	DefaultRoles  []string       `json:"default_roles"`
	RoleTemplates []RoleTemplate `json:"role_templates"`
}

// RoleTemplate grants roles when the named claim intersects the value list.
type RoleTemplate struct {
	Claim  string   `json:"claim"`
	Values []string `json:"values"`
	Roles  []string `json:"roles"`
}

// JitFromConfig extracts JIT settings from a provider config map. Accepts the
// flattened jit.* keys as well as a nested "jit" object, since admin imports
// produce both shapes.
func JitFromConfig(cfg map[string]interface{}) JitSettings {
	src := cfg
	if nested, ok := cfg["jit"].(map[string]interface{}); ok {
		src = nested
	}

	jit := JitSettings{
		CreateUsers:  configBool(src, "create_users"),
		DefaultRoles: configStringList(src["default_roles"]),
	}

	templates, ok := src["role_templates"].([]interface{})
	if !ok {
		return jit
	}
	for _, raw := range templates {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		tpl := RoleTemplate{
			Claim:  configString(entry, "claim"),
			Values: configStringList(entry["values"]),
			Roles:  configStringList(entry["roles"]),
		}
		if tpl.Claim != "" && len(tpl.Roles) > 0 {
			jit.RoleTemplates = append(jit.RoleTemplates, tpl)
		}
	}
	return jit
}

// ClaimLookup fetches the values of a named claim from the current
// authentication attempt. A nil or empty result means the claim is absent.
type ClaimLookup func(claim string) []string

// ResolveRoles computes the role set for a login: the configured defaults plus
// the roles of every template whose claim values intersect the presented
// claims. The result is deduplicated and keeps first-seen order. Pure function,
// shared by all three authenticators.
func ResolveRoles(jit JitSettings, lookup ClaimLookup) []string {
	roles := make([]string, 0, len(jit.DefaultRoles))
	seen := make(map[string]struct{})

	add := func(ids []string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			roles = append(roles, id)
		}
	}

	add(jit.DefaultRoles)

	for _, tpl := range jit.RoleTemplates {
		if lookup == nil {
			break
		}
		presented := normalizeClaimValues(lookup(tpl.Claim))
		if len(presented) == 0 {
			continue
		}
		if intersects(presented, tpl.Values) {
			add(tpl.Roles)
		}
	}

	return roles
}

func normalizeClaimValues(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intersects(presented, wanted []string) bool {
	for _, p := range presented {
		for _, w := range wanted {
			if strings.EqualFold(p, strings.TrimSpace(w)) {
				return true
			}
		}
	}
	return false
}
