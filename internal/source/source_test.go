package source

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowFloat(t *testing.T) {
	r := Row{
		"f":    34.5,
		"n":    json.Number("-87.25"),
		"s":    " 12.5 ",
		"b":    []byte("7"),
		"i":    int64(3),
		"bad":  "12abc",
		"nil":  nil,
		"bool": true,
	}
	for col, want := range map[string]float64{"f": 34.5, "n": -87.25, "s": 12.5, "b": 7, "i": 3} {
		got, err := r.Float(col)
		require.NoError(t, err, col)
		assert.Equal(t, want, got, col)
	}
	for _, col := range []string{"bad", "nil", "bool", "missing"} {
		_, err := r.Float(col)
		assert.Error(t, err, col)
	}
}

func TestRowString(t *testing.T) {
	r := Row{"s": "Offline", "n": 1.5, "nil": nil, "b": []byte("x"), "i": 4}
	assert.Equal(t, "Offline", r.String("s"))
	assert.Equal(t, "1.5", r.String("n"))
	assert.Equal(t, "", r.String("nil"))
	assert.Equal(t, "", r.String("missing"))
	assert.Equal(t, "x", r.String("b"))
	assert.Equal(t, "4", r.String("i"))
}

func TestParseEventType(t *testing.T) {
	et, err := ParseEventType("update")
	require.NoError(t, err)
	assert.Equal(t, Update, et)

	_, err = ParseEventType("TRUNCATE")
	var me *MalformedEventError
	assert.True(t, errors.As(err, &me))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, &FetchError{Table: "mfs", Err: cause}, cause)
	assert.ErrorIs(t, &SubscriptionError{Status: ChannelError, Err: cause}, cause)
	assert.Equal(t, "subscription TIMED_OUT", (&SubscriptionError{Status: TimedOut}).Error())
	assert.Equal(t, "malformed record at index 2: bad lat", (&MalformedRecordError{Index: 2, Reason: "bad lat"}).Error())
	assert.Equal(t, "malformed record: bad lat", (&MalformedRecordError{Index: -1, Reason: "bad lat"}).Error())
}
