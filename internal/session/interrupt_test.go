package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterrupt_Transitions(t *testing.T) {
	i := NewInterrupt()
	assert.Equal(t, QuestionNone, i.State())

	t.Run("answer without question", func(t *testing.T) {
		assert.ErrorIs(t, i.BeginAnswer("q1"), ErrNoQuestion)
	})

	require.True(t, i.Ask(sampleQuestion("s1", "q1")))
	assert.Equal(t, QuestionPending, i.State())
	assert.False(t, i.Ask(sampleQuestion("s1", "q1")), "same question is not re-announced")

	t.Run("answer wrong id", func(t *testing.T) {
		assert.ErrorIs(t, i.BeginAnswer("q2"), ErrNoQuestion)
	})

	require.NoError(t, i.BeginAnswer("q1"))
	assert.Equal(t, QuestionAnswering, i.State())

	t.Run("double answer", func(t *testing.T) {
		assert.ErrorIs(t, i.BeginReject("q1"), ErrInvalidTransition)
	})

	i.Fail()
	assert.Equal(t, QuestionPending, i.State())

	require.NoError(t, i.BeginReject("q1"))
	assert.Equal(t, QuestionRejecting, i.State())

	assert.False(t, i.Settle("other"))
	assert.True(t, i.Settle("q1"))
	assert.Equal(t, QuestionNone, i.State())
	assert.Nil(t, i.Active())
}

func TestInterrupt_ReentryReplacesActive(t *testing.T) {
	i := NewInterrupt()
	i.Ask(sampleQuestion("s1", "q1"))
	require.NoError(t, i.BeginAnswer("q1"))

	assert.True(t, i.Ask(sampleQuestion("s1", "q2")))
	assert.Equal(t, QuestionPending, i.State())
	assert.Equal(t, "q2", i.Active().ID)
}

func TestInterrupt_DiscardClearsPending(t *testing.T) {
	i := NewInterrupt()
	i.Ask(sampleQuestion("s1", "q1"))
	i.SetPending([]string{"q2", "q3"})
	assert.True(t, i.HasPending())

	i.Discard()
	assert.Equal(t, QuestionNone, i.State())
	assert.False(t, i.HasPending())
}

func TestComposeAnswer(t *testing.T) {
	assert.Equal(t, []string{"red", "blue", "something else"},
		ComposeAnswer([]string{"red", " ", "blue"}, "  something else "))
	assert.Equal(t, []string{}, ComposeAnswer(nil, ""))
}

func TestQuestionState_String(t *testing.T) {
	assert.Equal(t, "none", QuestionNone.String())
	assert.Equal(t, "question_pending", QuestionPending.String())
	assert.Equal(t, "answering", QuestionAnswering.String())
	assert.Equal(t, "rejecting", QuestionRejecting.String())
}

func TestGovernor_IdleGenerations(t *testing.T) {
	g := NewGovernor(10*time.Millisecond, 0)
	defer g.Stop()

	assert.Nil(t, g.Ceiling())

	g.ArmIdle()
	var gen uint64
	select {
	case gen = <-g.IdleFired():
	case <-time.After(time.Second):
		t.Fatal("debounce never fired")
	}
	assert.True(t, g.Current(gen))

	g.CancelIdle()
	assert.False(t, g.Current(gen), "cancel invalidates the fired window")
	assert.False(t, g.IdleArmed())

	g.ArmIdle()
	g.ArmIdle()
	deadline := time.After(time.Second)
	for {
		select {
		case next := <-g.IdleFired():
			if !g.Current(next) {
				continue
			}
			assert.Greater(t, next, gen)
			return
		case <-deadline:
			t.Fatal("re-armed debounce never fired")
		}
	}
}
