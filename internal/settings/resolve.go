// Package settings reads the layered settings hierarchy of the external tool
// and merges it into an effective configuration.
package settings

import (
	"sort"

	"github.com/hooklight/hooklight/internal/session"
)

// Level names one layer of the settings hierarchy.
type Level string

const (
	Managed Level = "managed"
	User    Level = "user"
	Project Level = "project"
	Local   Level = "local"
)

// Precedence lists the levels from lowest to highest. Runtime overrides sit
// above all of them.
var Precedence = []Level{Managed, User, Project, Local}

func (l Level) rank() int {
	for i, p := range Precedence {
		if p == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.rank() >= 0 }

// Layer is one settings document at a known level.
type Layer struct {
	Level    Level          `json:"level"`
	Path     string         `json:"path,omitempty"`
	Settings map[string]any `json:"settings"`
}

// Resolve merges layers in fixed precedence order and then applies the
// runtime overrides. Input order does not matter; layers with an unknown
// level are skipped. Objects merge key by key at every depth; any other
// value, arrays included, replaces what a lower layer set. Resolve never
// mutates its inputs and always returns a non-nil map.
func Resolve(layers []Layer, overrides map[string]any) map[string]any {
	ordered := make([]Layer, 0, len(layers))
	for _, l := range layers {
		if l.Level.Valid() {
			ordered = append(ordered, l)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Level.rank() < ordered[j].Level.rank()
	})

	effective := make(map[string]any)
	for _, l := range ordered {
		mergeInto(effective, l.Settings)
	}
	mergeInto(effective, overrides)
	return effective
}

// mergeInto deep-merges src into dst. dst is always owned by the caller;
// values taken from src are copied so later merges cannot reach back into
// src.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcObj, srcIsObj := v.(map[string]any)
		dstObj, dstIsObj := dst[k].(map[string]any)
		if srcIsObj && dstIsObj {
			mergeInto(dstObj, srcObj)
			continue
		}
		dst[k] = session.CloneValue(v)
	}
}

// FromSnapshots converts stored layer snapshots into resolver input.
func FromSnapshots(snaps []*session.LayerSnapshot) []Layer {
	layers := make([]Layer, 0, len(snaps))
	for _, s := range snaps {
		layers = append(layers, Layer{Level: Level(s.Layer), Path: s.Path, Settings: s.Settings})
	}
	return layers
}
