package errorx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := New("some_code", CategoryInternal, "something broke")
	assert.Equal(t, "[some_code] something broke", e.Error())

	wrapped := Wrap(e, errors.New("io timeout"))
	assert.Contains(t, wrapped.Error(), "io timeout")
	assert.ErrorIs(t, wrapped, wrapped)
	assert.Equal(t, "io timeout", wrapped.Unwrap().Error())
}

func TestCategoryHelpers(t *testing.T) {
	assert.True(t, IsBlocked(ErrOrganizationBlocked))
	assert.True(t, IsAuthFailure(ErrInvalidCredentials))
	assert.True(t, IsAuthFailure(ErrSessionExpired))
	assert.True(t, IsNetwork(ErrNetworkUnreachable))
	assert.True(t, IsStale(ErrStaleResponse))

	assert.False(t, IsBlocked(ErrInvalidCredentials))
	assert.False(t, IsNetwork(errors.New("plain")))
	assert.False(t, IsStale(nil))
}

func TestHelpersSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("login: %w", Wrap(ErrOrganizationBlocked, errors.New("gym suspended")))
	assert.True(t, IsBlocked(err))
	assert.False(t, IsAuthFailure(err))
}

func TestWithMessage(t *testing.T) {
	e := WithMessage(ErrOrganizationBlocked, "Your gym has been blocked. Contact support.")
	assert.True(t, IsBlocked(e))
	assert.Contains(t, e.Error(), "Contact support")
	// base error is untouched
	assert.Equal(t, "organization is blocked", ErrOrganizationBlocked.Message)
}
