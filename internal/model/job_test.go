package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingIDs(t *testing.T) {
	jobs := []*Job{{ID: 1}, {ID: 3}}
	assert.Equal(t, []int64{2, 4}, MissingIDs([]int64{1, 2, 3, 4}, jobs))
	assert.Empty(t, MissingIDs([]int64{3, 1}, jobs))
}
