package nitram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNiceFormats(t *testing.T) {
	tests := []struct {
		name string
		nice Nice
		want string
	}{
		{"server error", Nice{Msg: NiceServerError}, "(~ server error ~)"},
		{"not found", Nice{Msg: NiceNotFound}, "(~ not found ~)"},
		{"not authorized", Nice{Msg: NiceNotAuthorized}, "(~ not authorized ~)"},
		{"not authenticated", Nice{Msg: NiceNotAuthenticated}, "(~ not authenticated ~)"},
		{"bad request", Nice{Msg: NiceBadRequest}, "(~ bad request ~)"},
		{
			"with data",
			Nice{Msg: NiceNotFound, Data: map[string]string{"id": "42"}},
			`(~ not found ~~ {"id":"42"} ~)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.nice.String())
		})
	}
}

func TestMethodErrorMapping(t *testing.T) {
	assert.Equal(t, NiceServerError, ErrServer.niceMessage())
	assert.Equal(t, NiceNotFound, ErrNotFound.niceMessage())
	assert.Equal(t, NiceNotAuthorized, ErrNotAuthorized.niceMessage())
	assert.Equal(t, NiceNotAuthenticated, ErrNotAuthenticated.niceMessage())
	// NoResponse has no wire form of its own; the request path degrades it.
	assert.Equal(t, NiceServerError, ErrNoResponse.niceMessage())
}

func TestMethodErrorWithDataUnwraps(t *testing.T) {
	err := ErrNotFound.WithData(map[string]int{"id": 7})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not found", err.Error())
}
