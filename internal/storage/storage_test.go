package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tapedeck/internal/storage"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, storage.DefaultListLimit},
		{0, storage.DefaultListLimit},
		{1, 1},
		{250, 250},
		{storage.MaxListLimit, storage.MaxListLimit},
		{storage.MaxListLimit + 1, storage.MaxListLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, storage.ClampLimit(tt.in), "ClampLimit(%d)", tt.in)
	}
}
