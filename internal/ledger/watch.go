package ledger

// maxStates bounds how many transitions one watch can ever receive, so sends
// under the record lock never block.
const maxStates = 4

// Watch streams one command's transitions in the order they were applied.
// Closing it only detaches the observer; the command carries on.
type Watch struct {
	rec    *record
	ch     chan Transition
	closed bool
}

// Watch attaches to a command. The current state is delivered first; the
// channel closes once the command is terminal.
func (l *Ledger) Watch(id string) (*Watch, error) {
	rec, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	w := &Watch{rec: rec, ch: make(chan Transition, maxStates)}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	h := rec.entry.History
	cur := Transition{State: rec.entry.State, At: rec.entry.UpdatedAt, Reason: rec.entry.Reason}
	if len(h) > 0 {
		cur = h[len(h)-1]
	}
	w.ch <- cur
	if rec.entry.State.Terminal() {
		w.closeLocked()
		return w, nil
	}
	rec.watchers[w] = struct{}{}
	return w, nil
}

func (w *Watch) Updates() <-chan Transition { return w.ch }

func (w *Watch) Close() {
	w.rec.mu.Lock()
	defer w.rec.mu.Unlock()
	delete(w.rec.watchers, w)
	w.closeLocked()
}

func (w *Watch) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.ch)
}
