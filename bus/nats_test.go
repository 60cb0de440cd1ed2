package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceQueueGroup(t *testing.T) {
	assert.Empty(t, InstanceQueueGroup(""), "no base keeps plain subscriptions")

	a := InstanceQueueGroup("ruleengine")
	b := InstanceQueueGroup("ruleengine")
	assert.True(t, strings.HasPrefix(a, "ruleengine."))
	assert.NotEqual(t, a, b, "two processes never share an admin group")
}
