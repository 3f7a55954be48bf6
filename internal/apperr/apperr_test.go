package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRecognizesWrappedError(t *testing.T) {
	base := Unauthorized(errors.New("not owner"))
	wrapped := fmt.Errorf("join_room: %w", base)

	e, known := From(wrapped)
	require.True(t, known)
	assert.Same(t, base, e)
	assert.Equal(t, KindAuthorization, e.Kind)
	assert.True(t, IsKind(wrapped, KindAuthorization))
}

func TestFromWrapsUnknownError(t *testing.T) {
	cause := errors.New("nil map write")
	e, known := From(cause)

	require.False(t, known)
	assert.Equal(t, CodeInternal, e.Code)
	assert.False(t, e.Operational)
	assert.ErrorIs(t, e, cause)

	p := e.ToPayload("send_message")
	assert.Equal(t, MsgInternal, p.Message)
	assert.NotContains(t, p.Message, "nil map")
}

func TestAuthenticationHidesCause(t *testing.T) {
	e := Authentication(errors.New("signature is invalid"))
	p := e.ToPayload("register")

	assert.Equal(t, "authentication failed", p.Message)
	assert.Equal(t, CodeAuthFailed, p.Code)
	assert.Nil(t, p.Details)
}

func TestCapacityCarriesRetryHint(t *testing.T) {
	e := Capacity(CodeRateLimited, "rate limit exceeded", 250)
	assert.Equal(t, int64(250), e.Details["retryAfterMs"])
}

func TestWithDetailCopies(t *testing.T) {
	base := TooLarge(5000, 4096)
	withRoom := base.WithDetail("room", "group:a")

	assert.Equal(t, "group:a", withRoom.Details["room"])
	assert.NotContains(t, base.Details, "room")
	assert.Contains(t, base.Message, "4096")
}

func TestFromNil(t *testing.T) {
	e, known := From(nil)
	assert.Nil(t, e)
	assert.False(t, known)
}
