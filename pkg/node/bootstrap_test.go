package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBootstrapInterval(t *testing.T) {
	base, slow, idleAfter := 5*time.Second, 300*time.Second, 180*time.Second

	assert.Equal(t, base, bootstrapInterval(base, slow, idleAfter, 0, time.Second))
	assert.Equal(t, base, bootstrapInterval(base, slow, idleAfter, 49, time.Second))
	assert.Equal(t, 2*base, bootstrapInterval(base, slow, idleAfter, 50, time.Second))
	assert.Equal(t, 4*base, bootstrapInterval(base, slow, idleAfter, 175, time.Second))
	assert.Equal(t, slow, bootstrapInterval(base, slow, idleAfter, 10, idleAfter))
}
