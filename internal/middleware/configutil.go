package middleware

// Small helpers to pull typed values out of a route's middleware config
// map (spec.md §6 `middleware:[{name,config}]`, decoded by gopkg.in/yaml.v3
// into map[string]any). Kept deliberately minimal: a tagged-variant /
// reflection-free config reader per spec.md §9's "no dynamic dispatch on
// route spec fields via reflection" guidance.

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func cfgInt(cfg map[string]any, key string, def int) int {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return def
}

func cfgStringSlice(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func cfgStringMap(cfg map[string]any, key string) map[string]string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

func cfgStringToStringSliceMap(cfg map[string]any, key string) map[string][]string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(raw))
	for k, item := range raw {
		if items, ok := item.([]any); ok {
			vals := make([]string, 0, len(items))
			for _, s := range items {
				if str, ok := s.(string); ok {
					vals = append(vals, str)
				}
			}
			out[k] = vals
		}
	}
	return out
}
