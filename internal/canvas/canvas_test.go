package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestResolve(t *testing.T) {
	st, err := Resolve("forearm", 1200)
	assert.Equal(t, nil, err)
	assert.Equal(t, 400, st.Width)
	assert.Equal(t, 1200, st.Height)

	st, err = Resolve("Shoulder", 512)
	assert.Equal(t, nil, err)
	assert.Equal(t, 512, st.Width)
	assert.Equal(t, 512, st.Height)

	st, err = Resolve("", 1000)
	assert.Equal(t, nil, err)
	assert.Equal(t, Forearm, st.BodyPart)

	st, err = Resolve("calf", 1000)
	assert.Equal(t, nil, err)
	assert.Equal(t, 400, st.Width)

	_, err = Resolve("elbow", 1000)
	assert.NotEqual(t, nil, err)
	_, err = Resolve("chest", 0)
	assert.NotEqual(t, nil, err)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 8, len(Presets()))
	assert.Equal(t, 3, len(ByCategory("torso")))
	p, err := Lookup("full-sleeve")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0.25, p.AspectRatio())
}
