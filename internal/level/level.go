package level

// Level is an ordered capability tier granted to a subject over a
// resource: VIEWER < COMMENTER < EDITOR < ADMIN < OWNER.
type Level string

type Action string

const (
	Viewer    Level = "VIEWER"
	Commenter Level = "COMMENTER"
	Editor    Level = "EDITOR"
	Admin     Level = "ADMIN"
	Owner     Level = "OWNER"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionManage  Action = "manage"
)

var ranks = map[Level]int{
	Viewer:    1,
	Commenter: 2,
	Editor:    3,
	Admin:     4,
	Owner:     5,
}

func Valid(l Level) bool {
	_, ok := ranks[l]
	return ok
}

// AtLeast reports whether l grants everything that min grants. Unknown
// levels rank below VIEWER.
func AtLeast(l, min Level) bool {
	return ranks[l] >= ranks[min]
}

func Can(l Level, action Action) bool {
	switch l {
	case Owner, Admin:
		return true
	case Editor:
		return action == ActionRead || action == ActionComment || action == ActionWrite
	case Commenter:
		return action == ActionRead || action == ActionComment
	case Viewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize coerces arbitrary input to a valid level, falling back to
// VIEWER.
func Normalize(raw string) Level {
	if Valid(Level(raw)) {
		return Level(raw)
	}
	return Viewer
}
