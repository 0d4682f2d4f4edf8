package eval

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	"github.com/flowmesh/flowmesh/internal/protocol"
)

type recordedPublish struct {
	programID string
	flowID    string
	value     any
	end       bool
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []recordedPublish
}

func (r *fakeRelay) PublishData(ctx context.Context, programID, flowID string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedPublish{programID: programID, flowID: flowID, value: value})
	return nil
}

func (r *fakeRelay) PublishEnd(ctx context.Context, programID, flowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedPublish{programID: programID, flowID: flowID, end: true})
	return nil
}

func TestCompileProgram(t *testing.T) {
	src := `
# temperature conversion
fahrenheit := celsius * 9 / 5 + 32
alarm := celsius > 80
`
	prog, err := Compiler{}.ParseAndTypecheck(src)
	require.NoError(t, err)
	assert.Equal(t, []string{"fahrenheit", "alarm"}, prog.Flows())
	assert.Equal(t, src, prog.Source())
}

func TestCompileRejectsBadSyntax(t *testing.T) {
	cases := map[string]string{
		"no assignment":   "celsius * 2",
		"empty flow name": " := celsius * 2",
		"broken expr":     "out := celsius +* 2",
		"duplicate flow":  "out := 1\nout := 2",
		"empty program":   "\n# only a comment\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compiler{}.ParseAndTypecheck(src)
			var perr *protocol.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, protocol.CodeInvalidArgument, perr.Code)
		})
	}
}

func TestTriggerRelaysRuleOutput(t *testing.T) {
	relay := &fakeRelay{}
	exec := NewExecutor(zerolog.Nop())
	exec.SetRelay(relay)

	prog, err := Compiler{}.ParseAndTypecheck("doubled := reading * 2")
	require.NoError(t, err)
	require.NoError(t, exec.Install(context.Background(), "node-1", "ident-1", prog, "p1"))

	require.NoError(t, exec.Trigger(context.Background(), "p1", map[string]any{"reading": 21.0}))

	require.Len(t, relay.sent, 1)
	assert.Equal(t, "p1", relay.sent[0].programID)
	assert.Equal(t, "doubled", relay.sent[0].flowID)
	assert.Equal(t, 42.0, relay.sent[0].value)
}

func TestTriggerUnknownProgram(t *testing.T) {
	exec := NewExecutor(zerolog.Nop())
	assert.Error(t, exec.Trigger(context.Background(), "ghost", nil))
}

func TestInstallRejectsForeignProgram(t *testing.T) {
	exec := NewExecutor(zerolog.Nop())
	err := exec.Install(context.Background(), "node-1", "ident-1", foreignProgram{}, "p1")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeInvalidArgument, perr.Code)
}

type foreignProgram struct{}

func (foreignProgram) Flows() []string { return nil }
func (foreignProgram) Source() string  { return "" }

func TestFinishEndsEveryFlow(t *testing.T) {
	relay := &fakeRelay{}
	exec := NewExecutor(zerolog.Nop())
	exec.SetRelay(relay)

	prog, err := Compiler{}.ParseAndTypecheck("a := 1\nb := 2")
	require.NoError(t, err)
	require.NoError(t, exec.Install(context.Background(), "node-1", "ident-1", prog, "p1"))
	require.NoError(t, exec.Finish(context.Background(), "p1"))

	require.Len(t, relay.sent, 2)
	assert.True(t, relay.sent[0].end)
	assert.True(t, relay.sent[1].end)
	assert.Error(t, exec.Trigger(context.Background(), "p1", nil), "finished program is gone")
}

func TestSchemaRegistry(t *testing.T) {
	reg := NewSchemaRegistry()
	reg.Register("readings", runtime.Schema{Types: []string{"number"}, Args: []string{"value"}})

	schema, err := reg.GetSchema(context.Background(), "readings")
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, schema.Args)

	_, err = reg.GetSchema(context.Background(), "ghost")
	assert.ErrorIs(t, err, runtime.ErrNoSuchTable)
}
