package app

import (
	"mime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticMimeTypesRegistered(t *testing.T) {
	for ext := range staticMimeTypes {
		assert.NotEmpty(t, mime.TypeByExtension(ext), ext)
	}
}
