package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCents(t *testing.T) {
	assert.Equal(t, "0.00", cents(0))
	assert.Equal(t, "12.05", cents(1205))
	assert.Equal(t, "-0.99", cents(-99))
}
