package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"empty", "", "<not set>"},
		{"short", "short", "***"},
		{"exactlyEight", "12345678", "***"},
		{"long", "myverylongsecretkey123", "myve...y123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSecret(tt.secret))
		})
	}
}
