package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	for _, s := range []string{"allow", "deny", "ask"} {
		d, err := ParseDecision(s)
		require.NoError(t, err)
		assert.True(t, d.Valid())
	}
	for _, s := range []string{"", "Allow", "approve", "true", "1"} {
		_, err := ParseDecision(s)
		assert.Error(t, err, s)
	}
}

type vetted struct{}

func (vetted) Error() string      { return "open /etc/shadow: permission denied" }
func (vetted) SafeReason() string { return "path is outside the workspace" }

func TestSafeMessage(t *testing.T) {
	assert.Equal(t, "", SafeMessage(nil))
	assert.Equal(t, "tool not implemented", SafeMessage(fmt.Errorf("invoke x: %w", ErrToolNotImplemented)))
	assert.Equal(t, "path is outside the workspace", SafeMessage(fmt.Errorf("wrap: %w", vetted{})))
	assert.Equal(t, "internal error", SafeMessage(errors.New("open /home/alice/.ssh/id_rsa: no such file")))
}
