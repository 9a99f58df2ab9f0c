package session

import (
	"testing"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name       string
		filter     PrivacyFilter
		projectPath string
		want       bool
	}{
		{
			name:       "empty filter allows everything",
			filter:     PrivacyFilter{},
			projectPath: "/home/user/project",
			want:       true,
		},
		{
			name:       "empty working dir always allowed",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "",
			want:       true,
		},
		{
			name:       "allowlist match direct",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/work/myproject",
			want:       true,
		},
		{
			name:       "allowlist match nested",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/work/deep/nested/path",
			want:       true,
		},
		{
			name:       "allowlist no match",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			projectPath: "/home/user/personal/diary",
			want:       false,
		},
		{
			name:       "blocklist match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/tmp/scratch",
			want:       false,
		},
		{
			name:       "blocklist match nested",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/tmp/deep/nested",
			want:       false,
		},
		{
			name:       "blocklist no match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			projectPath: "/home/user/project",
			want:       true,
		},
		{
			name: "allowlist passes but blocklist catches",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/*"},
				BlockedPaths: []string{"/home/user/secret"},
			},
			projectPath: "/home/user/secret",
			want:       false,
		},
		{
			name: "multiple allowlist patterns",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/work/*", "/home/user/projects/*"},
			},
			projectPath: "/home/user/projects/cool",
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.filter.IsAllowed(tt.projectPath)
			if got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.projectPath, got, tt.want)
			}
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	original := &Session{
		ID:             "abc123",
		ProjectName:    "myproject",
		ProjectPath:    "/home/user/projects/myproject",
		TranscriptPath: "/home/user/.claude/projects/myproject/abc123.jsonl",
		Raw:            []byte(`{"session_id":"abc123"}`),
	}

	t.Run("mask project paths", func(t *testing.T) {
		f := &PrivacyFilter{MaskProjectPaths: true}
		result := f.Apply(original)
		if result.ProjectPath != "myproject" {
			t.Errorf("expected ProjectPath = %q, got %q", "myproject", result.ProjectPath)
		}
		// Original unchanged
		if original.ProjectPath != "/home/user/projects/myproject" {
			t.Error("original was modified")
		}
	})

	t.Run("mask session IDs", func(t *testing.T) {
		f := &PrivacyFilter{MaskSessionIDs: true}
		result := f.Apply(original)
		if result.ID == original.ID {
			t.Error("session ID should have been masked")
		}
		if len(result.ID) != 12 {
			t.Errorf("masked session ID length = %d, want 12", len(result.ID))
		}
	})

	t.Run("mask transcripts", func(t *testing.T) {
		f := &PrivacyFilter{MaskTranscripts: true}
		result := f.Apply(original)
		if result.TranscriptPath != "" {
			t.Errorf("expected TranscriptPath = %q, got %q", "", result.TranscriptPath)
		}
	})

	t.Run("drop raw payloads", func(t *testing.T) {
		f := &PrivacyFilter{DropRawPayloads: true}
		result := f.Apply(original)
		if result.Raw != nil {
			t.Errorf("expected Raw = nil, got %s", result.Raw)
		}
		if original.Raw == nil {
			t.Error("original Raw was modified")
		}
	})

	t.Run("no masking is noop", func(t *testing.T) {
		f := &PrivacyFilter{}
		result := f.Apply(original)
		if result.ID != original.ID || result.ProjectPath != original.ProjectPath ||
			result.TranscriptPath != original.TranscriptPath {
			t.Error("no-op filter should not change any fields")
		}
	})
}

func TestPrivacyFilter_ApplyDetail(t *testing.T) {
	d := &Detail{
		Session:     &Session{ID: "abc123", ProjectPath: "/work/app"},
		Invocations: []*ToolInvocation{{ID: "i1", SessionID: "abc123", ToolName: "Bash"}},
		Messages:    []*Message{{ID: "m1", SessionID: "abc123", Role: RoleUser, Text: "hi"}},
	}

	f := &PrivacyFilter{MaskSessionIDs: true}
	out := f.ApplyDetail(d)

	if out.ID == "abc123" {
		t.Fatal("session ID should have been masked")
	}
	if out.Invocations[0].SessionID != out.ID {
		t.Errorf("invocation session id = %q, want %q", out.Invocations[0].SessionID, out.ID)
	}
	if out.Messages[0].SessionID != out.ID {
		t.Errorf("message session id = %q, want %q", out.Messages[0].SessionID, out.ID)
	}
	if d.Invocations[0].SessionID != "abc123" || d.Messages[0].SessionID != "abc123" {
		t.Error("original detail was modified")
	}
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	sessions := []*Session{
		{ID: "s1", ProjectPath: "/home/user/work/project-a", TranscriptPath: "/t/1"},
		{ID: "s2", ProjectPath: "/home/user/personal/diary", TranscriptPath: "/t/2"},
		{ID: "s3", ProjectPath: "/tmp/scratch", TranscriptPath: "/t/3"},
	}

	f := &PrivacyFilter{
		MaskTranscripts: true,
		BlockedPaths:    []string{"/tmp/*"},
	}

	result := f.FilterSlice(sessions)

	if len(result) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(result))
	}

	for _, s := range result {
		if s.TranscriptPath != "" {
			t.Errorf("transcript should be masked, got %q for %s", s.TranscriptPath, s.ID)
		}
		if s.ProjectPath == "/tmp/scratch" {
			t.Error("blocked session should not be in result")
		}
	}
}

func TestPrivacyFilter_FilterSlice_AllowAndBlock(t *testing.T) {
	sessions := []*Session{
		{ID: "s1", ProjectPath: "/home/user/work/project-a"},
		{ID: "s2", ProjectPath: "/home/user/work/secret-project"},
		{ID: "s3", ProjectPath: "/other/path"},
	}

	f := &PrivacyFilter{
		AllowedPaths: []string{"/home/user/work/*"},
		BlockedPaths: []string{"/home/user/work/secret-*"},
	}

	result := f.FilterSlice(sessions)

	if len(result) != 1 {
		t.Fatalf("expected 1 session, got %d", len(result))
	}
	if result[0].ID != "s1" {
		t.Errorf("expected s1, got %s", result[0].ID)
	}
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	t.Run("zero value is noop", func(t *testing.T) {
		f := &PrivacyFilter{}
		if !f.IsNoop() {
			t.Error("zero value filter should be noop")
		}
	})

	t.Run("with masking is not noop", func(t *testing.T) {
		f := &PrivacyFilter{MaskTranscripts: true}
		if f.IsNoop() {
			t.Error("filter with masking should not be noop")
		}
	})

	t.Run("with paths is not noop", func(t *testing.T) {
		f := &PrivacyFilter{AllowedPaths: []string{"/foo/*"}}
		if f.IsNoop() {
			t.Error("filter with allowed paths should not be noop")
		}
	})
}

func TestMatchPathOrParent_Roots(t *testing.T) {
	// The loop terminates at every root via p == filepath.Dir(p).
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{
			name:    "drive-root pattern matches child",
			pattern: "/",
			path:    "/project",
			want:    false, // "/" is excluded as the loop stops before checking the root
		},
		{
			name:    "exact path match",
			pattern: "/home/user/project",
			path:    "/home/user/project",
			want:    true,
		},
		{
			name:    "parent glob matches nested path",
			pattern: "/home/user/*",
			path:    "/home/user/work/src",
			want:    true,
		},
		{
			name:    "no match returns false without infinite loop",
			pattern: "/other/*",
			path:    "/home/user/project",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchPathOrParent(tt.pattern, tt.path)
			if got != tt.want {
				t.Errorf("matchPathOrParent(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestShortHash_Deterministic(t *testing.T) {
	a := shortHash("abc123")
	b := shortHash("abc123")
	if a != b {
		t.Errorf("shortHash not deterministic: %q vs %q", a, b)
	}

	c := shortHash("different")
	if a == c {
		t.Error("different inputs should produce different hashes")
	}
}
