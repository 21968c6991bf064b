package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"goflare.io/recall/internal/store"
)

var errUnusableStore = errors.New("history store is unusable")

// Replayable is an operation whose call history can be read back.
type Replayable interface {
	Identity() string
	Store() store.Store
}

// Call is one recorded invocation.
type Call struct {
	Input  string
	Output string
}

// Summary is the recorded history of an operation.
type Summary struct {
	Identity string
	Count    int64
	Calls    []Call
}

// History reads the counter and the call history of op.
// It returns whatever could be read together with any store errors.
// A store that panics, such as a typed nil, is reported as errUnusableStore.
func History(ctx context.Context, op Replayable) (summary Summary, err error) {
	if op == nil {
		return Summary{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			summary = Summary{Identity: summary.Identity}
			err = fmt.Errorf("%w: %v", errUnusableStore, r)
		}
	}()

	st := op.Store()
	identity := op.Identity()
	summary = Summary{Identity: identity}
	if st == nil {
		return summary, nil
	}

	var errs []error

	raw, found, gerr := st.Get(ctx, identity)
	if gerr != nil {
		errs = append(errs, fmt.Errorf("read call count: %w", gerr))
	} else if found {
		if n, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			summary.Count = n
		} else {
			errs = append(errs, fmt.Errorf("parse call count %q: %w", raw, perr))
		}
	}

	inputs, err := st.Range(ctx, InputsKey(identity), 0, -1)
	if err != nil {
		errs = append(errs, fmt.Errorf("read inputs: %w", err))
	}
	outputs, err := st.Range(ctx, OutputsKey(identity), 0, -1)
	if err != nil {
		errs = append(errs, fmt.Errorf("read outputs: %w", err))
	}

	// The lists may differ in length while a call is in flight.
	n := min(len(inputs), len(outputs))
	summary.Calls = make([]Call, n)
	for i := 0; i < n; i++ {
		summary.Calls[i] = Call{Input: string(inputs[i]), Output: string(outputs[i])}
	}

	return summary, errors.Join(errs...)
}

// Replay prints the call history of op to w. It never fails; unreadable parts are skipped.
func Replay(ctx context.Context, w io.Writer, op Replayable) {
	defer func() { _ = recover() }()
	if op == nil || op.Store() == nil {
		return
	}

	summary, err := History(ctx, op)
	if errors.Is(err, errUnusableStore) {
		return
	}
	_, _ = fmt.Fprintf(w, "%s was called %d times:\n", summary.Identity, summary.Count)
	for _, c := range summary.Calls {
		_, _ = fmt.Fprintf(w, "%s(*%s) -> %s\n", summary.Identity, c.Input, c.Output)
	}
}
