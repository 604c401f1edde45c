package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
)

type fakeInvoker struct {
	verbs     []string
	params    []json.RawMessage
	out       any
	err       error
	connected bool
}

func (f *fakeInvoker) Invoke(verb string, params json.RawMessage) (any, error) {
	f.verbs = append(f.verbs, verb)
	f.params = append(f.params, params)
	return f.out, f.err
}

func (f *fakeInvoker) lastVerb() string {
	if len(f.verbs) == 0 {
		return ""
	}
	return f.verbs[len(f.verbs)-1]
}

func (f *fakeInvoker) lastParams() json.RawMessage {
	if len(f.params) == 0 {
		return nil
	}
	return f.params[len(f.params)-1]
}

// withFakeInvoker swaps newInvoker for the test and records whether the
// command asked for a live Hub socket.
func withFakeInvoker(t *testing.T, out any, err error) *fakeInvoker {
	t.Helper()
	f := &fakeInvoker{out: out, err: err}
	orig := newInvoker
	newInvoker = func(connect bool) (invoker, func(), error) {
		f.connected = connect
		return f, func() {}, nil
	}
	t.Cleanup(func() { newInvoker = orig })
	return f
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	return cmd, out
}
