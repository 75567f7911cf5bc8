package frugisect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerdictString(t *testing.T) {
	values := []struct {
		verdict  Verdict
		expected string
	}{
		{VerdictGood, "good"},
		{VerdictBad, "bad"},
		{VerdictSkip, "skip"},
		{Verdict(42), "verdict(42)"},
	}

	for _, v := range values {
		assert.Equal(t, v.expected, v.verdict.String(), "Wrong verdict string")
	}
}

func TestParseOnelineHashes(t *testing.T) {
	out := "ccc third commit\nbbb second commit\naaa first commit\n"

	t.Run("Hashes come out oldest first", func(t *testing.T) {
		candidates, skippedOut := parseOnelineHashes(out, "", nil)
		assert.Equal(t, []string{"aaa", "bbb", "ccc"}, candidates, "Wrong candidate order")
		assert.Equal(t, 0, skippedOut, "Nothing was skipped")
	})

	t.Run("The excluded hash is dropped", func(t *testing.T) {
		candidates, skippedOut := parseOnelineHashes(out, "ccc", nil)
		assert.Equal(t, []string{"aaa", "bbb"}, candidates, "Excluded hash was not dropped")
		assert.Equal(t, 0, skippedOut, "Excluding a hash is not skipping it")
	})

	t.Run("Skipped hashes are dropped and counted", func(t *testing.T) {
		candidates, skippedOut := parseOnelineHashes(out, "ccc", map[string]bool{"bbb": true})
		assert.Equal(t, []string{"aaa"}, candidates, "Skipped hash was not dropped")
		assert.Equal(t, 1, skippedOut, "Skipped hash was not counted")
	})

	t.Run("Empty output yields an empty range", func(t *testing.T) {
		candidates, skippedOut := parseOnelineHashes("", "", nil)
		assert.Empty(t, candidates, "Empty output produced candidates")
		assert.Equal(t, 0, skippedOut, "Empty output counted skips")
	})

	t.Run("Lines without a subject still parse", func(t *testing.T) {
		candidates, _ := parseOnelineHashes("bbb\naaa\n", "", nil)
		assert.Equal(t, []string{"aaa", "bbb"}, candidates, "Bare hashes were not parsed")
	})
}

func TestMemoryState(t *testing.T) {
	t.Run("Needs both endpoints", func(t *testing.T) {
		_, err := NewMemoryState([]string{"only"})
		assert.NotNil(t, err, "Single revision span was not rejected")
	})

	t.Run("Verdicts narrow the range", func(t *testing.T) {
		state, err := NewMemoryState([]string{"g", "a", "b", "c", "d", "z"})
		assert.Nil(t, err, "NewMemoryState returned an error")

		candidates, bad, err := state.CurrentRange()
		assert.Nil(t, err, "CurrentRange returned an error")
		assert.Equal(t, []string{"a", "b", "c", "d"}, candidates, "Wrong initial candidates")
		assert.Equal(t, "z", bad, "Wrong initial bad anchor")

		assert.Nil(t, state.RecordVerdict("b", VerdictGood), "RecordVerdict returned an error")
		candidates, bad, err = state.CurrentRange()
		assert.Nil(t, err, "CurrentRange returned an error")
		assert.Equal(t, []string{"c", "d"}, candidates, "Good verdict did not drop older candidates")
		assert.Equal(t, "z", bad, "Good verdict moved the bad anchor")

		assert.Nil(t, state.RecordVerdict("d", VerdictBad), "RecordVerdict returned an error")
		candidates, bad, err = state.CurrentRange()
		assert.Nil(t, err, "CurrentRange returned an error")
		assert.Equal(t, []string{"c"}, candidates, "Bad verdict did not drop newer candidates")
		assert.Equal(t, "d", bad, "Bad verdict did not move the bad anchor")

		assert.Nil(t, state.RecordVerdict("c", VerdictBad), "RecordVerdict returned an error")
		candidates, bad, err = state.CurrentRange()
		assert.Nil(t, err, "CurrentRange returned an error")
		assert.Empty(t, candidates, "Range was not exhausted")
		assert.Equal(t, "c", bad, "Wrong culprit")
	})

	t.Run("Contradicting verdicts are rejected", func(t *testing.T) {
		state, err := NewMemoryState([]string{"g", "a", "b", "z"})
		assert.Nil(t, err, "NewMemoryState returned an error")
		assert.Nil(t, state.RecordVerdict("a", VerdictGood), "RecordVerdict returned an error")

		var inconsistent *InconsistentVerdictsError

		err = state.RecordVerdict("z", VerdictGood)
		assert.ErrorAs(t, err, &inconsistent, "Marking the bad anchor good was not rejected")

		err = state.RecordVerdict("g", VerdictBad)
		assert.ErrorAs(t, err, &inconsistent, "Marking an older revision bad was not rejected")

		err = state.RecordVerdict("nope", VerdictGood)
		assert.ErrorContains(t, err, "not part of the bisected span", "Unknown revision was not rejected")

		err = state.RecordVerdict("b", Verdict(9))
		assert.ErrorContains(t, err, "unknown verdict", "Unknown verdict was not rejected")
	})

	t.Run("Skipping part of the range keeps going", func(t *testing.T) {
		state, err := NewMemoryState([]string{"g", "a", "b", "z"})
		assert.Nil(t, err, "NewMemoryState returned an error")
		assert.Nil(t, state.RecordVerdict("a", VerdictSkip), "RecordVerdict returned an error")

		candidates, _, err := state.CurrentRange()
		assert.Nil(t, err, "CurrentRange returned an error")
		assert.Equal(t, []string{"b"}, candidates, "Skipped revision was not dropped")
	})

	t.Run("Skipping the whole range is inconsistent", func(t *testing.T) {
		state, err := NewMemoryState([]string{"g", "a", "b", "z"})
		assert.Nil(t, err, "NewMemoryState returned an error")
		assert.Nil(t, state.RecordVerdict("a", VerdictSkip), "RecordVerdict returned an error")
		assert.Nil(t, state.RecordVerdict("b", VerdictSkip), "RecordVerdict returned an error")

		_, _, err = state.CurrentRange()

		var inconsistent *InconsistentVerdictsError
		assert.ErrorAs(t, err, &inconsistent, "Exhausting the range by skips was not flagged")
		assert.Contains(t, inconsistent.Reason, "2 left untested", "Wrong number of untested revisions reported")
	})
}
