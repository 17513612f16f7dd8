package container_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/container"
)

func TestDescription(t *testing.T) {
	raw := "Aperio Image Library v10.0.51\r\n46920x33014 [0,100 46000x32914] (256x256) JPEG/RGB Q=30|AppMag = 20|StripeWidth = 2040|Filename = CMU-1|Date = 12/29/09|Time = 09:59:15|Time Zone = GMT-05:00|User = b414003d-95c6-48b0-9369-8010ed517ba7|MPP = 0.4990"

	d := container.ParseDescription(raw)
	assert.True(t, d.IsAperio())
	assert.Equal(t, raw, d.String())
	assert.Equal(t, []string{"AppMag", "StripeWidth", "Filename", "Date", "Time", "Time Zone", "User", "MPP"}, d.Keys())

	v, ok := d.Get("Time Zone")
	assert.True(t, ok)
	assert.Equal(t, "GMT-05:00", v)

	assert.True(t, d.Set("Filename", "Z3kq9"))
	assert.False(t, d.Set("Title", "absent"))
	assert.True(t, d.Delete("User"))
	assert.True(t, d.Delete("Time Zone"))
	assert.False(t, d.Delete("User"))

	assert.Equal(t,
		"Aperio Image Library v10.0.51\r\n46920x33014 [0,100 46000x32914] (256x256) JPEG/RGB Q=30|AppMag = 20|StripeWidth = 2040|Filename = Z3kq9|Date = 12/29/09|Time = 09:59:15|MPP = 0.4990",
		d.String())
}

func TestDescriptionPlain(t *testing.T) {
	d := container.ParseDescription("generic TIFF written by a converter")
	assert.False(t, d.IsAperio())
	assert.Empty(t, d.Keys())
	assert.Equal(t, "generic TIFF written by a converter", d.String())

	d = container.ParseDescription("a=1|b = 2")
	v, _ := d.Get("a")
	assert.Equal(t, "1", v)
	v, _ = d.Get("b")
	assert.Equal(t, "2", v)
	assert.Equal(t, "a=1|b = 2", d.String())
}
