package settings

// Summary describes how an effective configuration was assembled.
type Summary struct {
	Hierarchy           map[Level]map[string]any `json:"hierarchy"`
	Paths               map[Level]string         `json:"paths,omitempty"`
	FileBased           map[string]any           `json:"file_based"`
	Runtime             map[string]any           `json:"runtime"`
	Effective           map[string]any           `json:"effective"`
	ActiveSources       []string                 `json:"active_sources"`
	TotalKeys           int                      `json:"total_keys"`
	HasRuntimeOverrides bool                     `json:"has_runtime_overrides"`
}

// Summarize resolves layers with and without overrides and reports which
// sources contributed.
func Summarize(layers []Layer, runtime map[string]any) Summary {
	s := Summary{
		Hierarchy:     make(map[Level]map[string]any, len(Precedence)),
		Paths:         make(map[Level]string),
		FileBased:     Resolve(layers, nil),
		Runtime:       map[string]any{},
		Effective:     Resolve(layers, runtime),
		ActiveSources: []string{},
	}
	for _, level := range Precedence {
		s.Hierarchy[level] = map[string]any{}
	}
	for _, l := range layers {
		if !l.Level.Valid() {
			continue
		}
		s.Hierarchy[l.Level] = Resolve([]Layer{l}, nil)
		if l.Path != "" {
			s.Paths[l.Level] = l.Path
		}
	}
	for _, level := range Precedence {
		if len(s.Hierarchy[level]) > 0 {
			s.ActiveSources = append(s.ActiveSources, string(level))
		}
	}
	if len(runtime) > 0 {
		s.Runtime = Resolve(nil, runtime)
		s.HasRuntimeOverrides = true
		s.ActiveSources = append(s.ActiveSources, "runtime")
	}
	s.TotalKeys = len(s.Effective)
	return s
}
