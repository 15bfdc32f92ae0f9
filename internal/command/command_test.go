package command

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteCommand(op Opcode) error {
	args := m.Called(op)
	return args.Error(0)
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newProtocol(t *testing.T, w Writer, opts Options) *Protocol {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return New(w, opts, logger)
}

func TestOpcodeWireValues(t *testing.T) {
	assert.Equal(t, []byte{0}, Standby.Bytes())
	assert.Equal(t, []byte{1}, Start.Bytes())
	assert.Equal(t, []byte{2}, Pause.Bytes())
	assert.Equal(t, []byte{3}, Reset.Bytes())
	assert.Equal(t, []byte{10}, DumpRMSSD.Bytes())
	assert.Equal(t, []byte{11}, DumpSDANN.Bytes())
	assert.Equal(t, []byte{12}, DumpHTI.Bytes())
	assert.Equal(t, "opcode(99)", Opcode(99).String())
}

func TestFinishSequence(t *testing.T) {
	assert.Equal(t, []Opcode{Pause, DumpRMSSD, DumpSDANN, DumpHTI}, FinishSequence())

	seq := FinishSequence()
	seq[0] = Start
	assert.Equal(t, Pause, FinishSequence()[0], "callers MUST NOT be able to mutate the finish sequence")
}

// GOAL: Verify the settle interval is enforced against the caller supplied clock
//
// TEST SCENARIO: Start at t0 → Pause at t0+499ms rejected → Pause at t0+500ms accepted
func TestProtocol_SettleInterval(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteCommand", Start).Return(nil).Once()
	w.On("WriteCommand", Pause).Return(nil).Once()

	p := newProtocol(t, w, Options{SettleInterval: DefaultSettleInterval})

	require.NoError(t, p.Issue(epoch, Start))
	assert.Equal(t, 500*time.Millisecond, p.Wait(epoch))

	err := p.Issue(epoch.Add(499*time.Millisecond), Pause)
	assert.ErrorIs(t, err, ErrSettling, "write before the settle interval MUST be rejected")
	w.AssertNumberOfCalls(t, "WriteCommand", 1)

	assert.Equal(t, time.Duration(0), p.Wait(epoch.Add(500*time.Millisecond)))
	require.NoError(t, p.Issue(epoch.Add(500*time.Millisecond), Pause))

	pending, ok := p.Pending()
	require.True(t, ok)
	assert.Equal(t, Pending{Opcode: Pause, IssuedAt: epoch.Add(500 * time.Millisecond)}, pending)
	w.AssertExpectations(t)
}

// GOAL: Verify the settle interval can never drop below the device minimum
//
// TEST SCENARIO: zero, negative and short intervals → effective 500ms → second write at t0 rejected
func TestProtocol_SettleIntervalFloor(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"unset", 0, DefaultSettleInterval},
		{"negative", -time.Second, DefaultSettleInterval},
		{"too short", 100 * time.Millisecond, DefaultSettleInterval},
		{"longer is kept", time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockWriter{}
			w.On("WriteCommand", mock.Anything).Return(nil)

			p := newProtocol(t, w, Options{SettleInterval: tt.interval})
			assert.Equal(t, tt.want, p.SettleInterval())

			require.NoError(t, p.Issue(epoch, Pause))
			assert.ErrorIs(t, p.Issue(epoch, DumpRMSSD), ErrSettling, "back to back writes MUST be rejected")
			assert.Equal(t, tt.want, p.Wait(epoch))
			require.NoError(t, p.Issue(epoch.Add(tt.want), DumpRMSSD))
			w.AssertNumberOfCalls(t, "WriteCommand", 2)
		})
	}
}

func TestProtocol_WriteFailure(t *testing.T) {
	w := &mockWriter{}
	boom := errors.New("link lost")
	w.On("WriteCommand", Start).Return(boom)

	p := newProtocol(t, w, Options{SettleInterval: DefaultSettleInterval})
	err := p.Issue(epoch, Start)
	require.ErrorIs(t, err, boom)

	_, ok := p.Pending()
	assert.False(t, ok, "failed write MUST NOT become pending context")
}

func TestProtocol_Attribute(t *testing.T) {
	tests := []struct {
		name    string
		last    Opcode
		want    Statistic
		wantErr bool
	}{
		{"rmssd", DumpRMSSD, RMSSD, false},
		{"sdann", DumpSDANN, SDANN, false},
		{"hti", DumpHTI, HTI, false},
		{"pause is ambiguous", Pause, 0, true},
		{"start is ambiguous", Start, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockWriter{}
			w.On("WriteCommand", tt.last).Return(nil)
			p := newProtocol(t, w, Options{SettleInterval: DefaultSettleInterval})
			require.NoError(t, p.Issue(epoch, tt.last))

			stat, err := p.Attribute(epoch.Add(time.Second))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAttributionAmbiguous)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, stat)
		})
	}
}

func TestProtocol_AttributeWithoutCommand(t *testing.T) {
	p := newProtocol(t, &mockWriter{}, Options{})
	_, err := p.Attribute(epoch)
	assert.ErrorIs(t, err, ErrAttributionAmbiguous)
}

func TestProtocol_AttributionTimeout(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteCommand", DumpHTI).Return(nil)
	p := newProtocol(t, w, Options{AttributionTimeout: 2 * time.Second})
	require.NoError(t, p.Issue(epoch, DumpHTI))

	stat, err := p.Attribute(epoch.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, HTI, stat)

	_, err = p.Attribute(epoch.Add(2*time.Second + time.Millisecond))
	assert.ErrorIs(t, err, ErrAttributionAmbiguous, "stale pending context MUST NOT claim a response")
}

func TestProtocol_Reset(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteCommand", mock.Anything).Return(nil)
	p := newProtocol(t, w, Options{SettleInterval: DefaultSettleInterval})
	require.NoError(t, p.Issue(epoch, DumpRMSSD))

	p.Reset()
	_, ok := p.Pending()
	assert.False(t, ok)
	assert.NoError(t, p.Issue(epoch.Add(time.Millisecond), Start), "reset MUST clear settle history")
}

func TestPlan(t *testing.T) {
	var plan Plan
	_, ok := plan.Pop()
	assert.False(t, ok)

	plan.Append(Reset, Start)
	plan.Append(Pause)
	assert.Equal(t, []Opcode{Reset, Start, Pause}, plan.Ops())

	op, ok := plan.Pop()
	require.True(t, ok)
	assert.Equal(t, Reset, op)

	plan.Replace(FinishSequence()...)
	assert.Equal(t, FinishSequence(), plan.Ops(), "replace MUST drop partially drained opcodes")

	next, _ := plan.Peek()
	assert.Equal(t, Pause, next)
	assert.Equal(t, 4, plan.Len())

	plan.Clear()
	assert.Equal(t, 0, plan.Len())
}
