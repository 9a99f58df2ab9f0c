package session

import (
	"encoding/hex"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// PrivacyFilter applies masking and path-based filtering to sessions before
// they leave the process, either over the hub or through the query API. The
// zero value is a no-op filter.
type PrivacyFilter struct {
	MaskProjectPaths bool
	MaskSessionIDs   bool
	MaskTranscripts  bool
	DropRawPayloads  bool
	AllowedPaths     []string
	BlockedPaths     []string
}

// IsAllowed reports whether a session with the given project path may be
// published. An empty path is always allowed (the start event may not have
// carried one). When AllowedPaths is non-empty, the path must match at least
// one pattern; it must then not match any BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(projectPath string) bool {
	if projectPath == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, projectPath) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, projectPath) {
			return false
		}
	}

	return true
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories, so "/home/user/*" also matches "/home/user/work/project-a".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of the session with sensitive fields masked according
// to the filter configuration. The original is never modified.
func (f *PrivacyFilter) Apply(s *Session) *Session {
	masked := s.Clone()

	if f.MaskProjectPaths && masked.ProjectPath != "" {
		masked.ProjectPath = filepath.Base(masked.ProjectPath)
	}

	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}

	if f.MaskTranscripts {
		masked.TranscriptPath = ""
	}

	if f.DropRawPayloads {
		masked.Raw = nil
	}

	return masked
}

// ApplyDetail masks a session detail. Owned records carry the session id, so
// they are re-keyed when ids are masked.
func (f *PrivacyFilter) ApplyDetail(d *Detail) *Detail {
	out := &Detail{Session: f.Apply(d.Session)}
	out.Invocations = make([]*ToolInvocation, 0, len(d.Invocations))
	for _, inv := range d.Invocations {
		c := inv.Clone()
		c.SessionID = out.ID
		out.Invocations = append(out.Invocations, c)
	}
	out.Messages = make([]*Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		c := *m
		c.SessionID = out.ID
		out.Messages = append(out.Messages, &c)
	}
	return out
}

// FilterSlice returns a new slice containing only the allowed sessions, with
// masking applied to each. The original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []*Session) []*Session {
	result := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.ProjectPath) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskProjectPaths && !f.MaskSessionIDs && !f.MaskTranscripts && !f.DropRawPayloads &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// shortHash returns a truncated BLAKE3 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := blake3.Sum256([]byte(s))
	return hex.EncodeToString(h[:6])
}
