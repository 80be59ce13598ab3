package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_FirstDelivery(t *testing.T) {
	s := NewSession("s1", "u1", "Alice", "test-agent", 1)

	assert.True(t, s.FirstDelivery("m1"))
	assert.False(t, s.FirstDelivery("m1"), "a message id is delivered at most once per session")
	assert.True(t, s.FirstDelivery("m2"))
	assert.False(t, s.FirstDelivery("m2"))
}

func TestSession_FirstDeliveryWindowEviction(t *testing.T) {
	s := NewSession("s1", "u1", "Alice", "test-agent", 1)

	assert.True(t, s.FirstDelivery("m0"))
	for i := 1; i <= deliveryWindow; i++ {
		assert.True(t, s.FirstDelivery(fmt.Sprintf("m%d", i)))
	}
	assert.True(t, s.FirstDelivery("m0"), "ids pushed out of the window may be delivered again")
}
