package identity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"identity already exists", &Error{Op: "create", Kind: KindAlreadyExists, Err: errors.New("x")}, KindAlreadyExists},
		{"wrapped identity not found", fmt.Errorf("ctx: %w", &Error{Op: "update", Kind: KindNotFound, Err: errors.New("x")}), KindNotFound},
		{"common already exists", common.ErrorAlreadyExists, KindAlreadyExists},
		{"common not found", fmt.Errorf("wrap: %w", common.ErrorNotFound), KindNotFound},
		{"anything else", errors.New("connection reset"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_IsSentinels(t *testing.T) {
	err := &Error{Op: "delete", Kind: KindNotFound, Err: errors.New("USER_NOT_FOUND")}
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.NotErrorIs(t, err, common.ErrorAlreadyExists)
	assert.Contains(t, err.Error(), "identity delete: not_found")
}

func TestUpdate_IsEmptyAndFields(t *testing.T) {
	assert.True(t, Update{}.IsEmpty())

	disabled := true
	pw := "123456"
	u := Update{Disabled: &disabled, Password: &pw}
	assert.False(t, u.IsEmpty())
	assert.Equal(t, []string{"disabled", "password"}, u.Fields())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "already_exists", KindAlreadyExists.String())
	assert.Equal(t, "not_found", KindNotFound.String())
}
