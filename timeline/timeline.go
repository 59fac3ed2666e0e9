package timeline

// DefaultHistoryDepth bounds the undo stack.
const DefaultHistoryDepth = 100

// Timeline owns a set of tracks and a snapshot history. Undo restores a
// whole prior track set; individual cuts are never inverted. A Timeline is
// not safe for concurrent use.
type Timeline struct {
	tracks []Track
	undo   [][]Track
	redo   [][]Track
	depth  int
}

func New(tracks []Track) *Timeline {
	return &Timeline{tracks: cloneTracks(tracks), depth: DefaultHistoryDepth}
}

// SetHistoryDepth changes the undo bound, dropping the oldest snapshots if needed.
func (tl *Timeline) SetHistoryDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	tl.depth = depth
	tl.trim()
}

// Tracks returns a copy of the current track set.
func (tl *Timeline) Tracks() []Track { return cloneTracks(tl.tracks) }

func (tl *Timeline) Duration() float64 { return Duration(tl.tracks) }

// Cut applies one timeline cut.
func (tl *Timeline) Cut(cut Interval) error {
	if err := cut.Validate(); err != nil {
		return err
	}
	tl.commit(ApplyCut(tl.tracks, cut))
	return nil
}

// CutAll applies cuts as one undoable step. Cuts are in current timeline
// coordinates.
func (tl *Timeline) CutAll(cuts []Interval) error {
	if err := ValidateAll(cuts); err != nil {
		return err
	}
	if len(cuts) == 0 {
		return nil
	}
	tl.commit(ApplyCuts(tl.tracks, cuts))
	return nil
}

// CutWords applies the regions of all deleted words as one undoable step.
// Word timings must be expressed in current timeline coordinates.
func (tl *Timeline) CutWords(words []Word) int {
	cuts := DeletedRegions(words)
	if len(cuts) == 0 {
		return 0
	}
	tl.commit(ApplyCuts(tl.tracks, cuts))
	return len(cuts)
}

// Replace swaps in a new track set, recording the old one for undo.
func (tl *Timeline) Replace(tracks []Track) {
	tl.commit(cloneTracks(tracks))
}

func (tl *Timeline) Undo() bool {
	if len(tl.undo) == 0 {
		return false
	}
	tl.redo = append(tl.redo, tl.tracks)
	tl.tracks = tl.undo[len(tl.undo)-1]
	tl.undo = tl.undo[:len(tl.undo)-1]
	return true
}

func (tl *Timeline) Redo() bool {
	if len(tl.redo) == 0 {
		return false
	}
	tl.undo = append(tl.undo, tl.tracks)
	tl.tracks = tl.redo[len(tl.redo)-1]
	tl.redo = tl.redo[:len(tl.redo)-1]
	return true
}

func (tl *Timeline) CanUndo() bool { return len(tl.undo) > 0 }

func (tl *Timeline) CanRedo() bool { return len(tl.redo) > 0 }

func (tl *Timeline) commit(next []Track) {
	tl.undo = append(tl.undo, tl.tracks)
	tl.redo = nil
	tl.tracks = next
	tl.trim()
}

func (tl *Timeline) trim() {
	if over := len(tl.undo) - tl.depth; over > 0 {
		tl.undo = append([][]Track(nil), tl.undo[over:]...)
	}
}
