package level

import "testing"

func TestOrdering(t *testing.T) {
	ordered := []Level{Viewer, Commenter, Editor, Admin, Owner}
	for i := 1; i < len(ordered); i++ {
		if !AtLeast(ordered[i], ordered[i-1]) {
			t.Errorf("%s should be at least %s", ordered[i], ordered[i-1])
		}
		if AtLeast(ordered[i-1], ordered[i]) {
			t.Errorf("%s should not be at least %s", ordered[i-1], ordered[i])
		}
	}
}

func TestCan(t *testing.T) {
	cases := []struct {
		level  Level
		action Action
		want   bool
	}{
		{Viewer, ActionRead, true},
		{Viewer, ActionComment, false},
		{Viewer, ActionWrite, false},
		{Commenter, ActionComment, true},
		{Commenter, ActionWrite, false},
		{Editor, ActionWrite, true},
		{Editor, ActionManage, false},
		{Admin, ActionManage, true},
		{Owner, ActionManage, true},
		{Level("BOGUS"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.level, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.level, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("EDITOR") != Editor {
		t.Error("EDITOR should normalize to itself")
	}
	if Normalize("") != Viewer {
		t.Error("empty level should normalize to VIEWER")
	}
	if Normalize("editor") != Viewer {
		t.Error("levels are case sensitive; lowercase should fall back to VIEWER")
	}
}

func TestAtLeastUnknownLevel(t *testing.T) {
	if AtLeast(Level("BOGUS"), Viewer) {
		t.Error("unknown level should rank below VIEWER")
	}
}
