package nlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

func TestParsePlayMusic(t *testing.T) {
	c := NewDefault(nil)
	intent := c.Parse("play jazz music")

	require.Equal(t, models.IntentPlayMusic, intent.Name)
	assert.GreaterOrEqual(t, intent.Confidence, 0.5)
	assert.Equal(t, "jazz", intent.Parameters["genre"])
}

func TestParseUnknownBelowThreshold(t *testing.T) {
	c := NewDefault(nil)
	intent := c.Parse("the weather is nice today")

	assert.Equal(t, models.IntentUnknown, intent.Name)
	assert.LessOrEqual(t, intent.Confidence, 0.3)
	assert.False(t, intent.Dispatchable())
}

func TestParseGPIOOutOfRangePin(t *testing.T) {
	c := NewDefault(nil)
	intent := c.Parse("set pin 99 to high")

	require.Equal(t, models.IntentGPIOControl, intent.Name)
	errs, ok := intent.Parameters[models.ParamErrorsKey]
	require.True(t, ok)
	assert.Contains(t, errs, "pin: out of range")
}

func TestParseDeterministic(t *testing.T) {
	c := NewDefault(nil)
	a := c.Parse("turn up the volume to 80")
	b := c.Parse("turn up the volume to 80")

	assert.Equal(t, a, b)
}

func TestParseNormalizesWhitespaceAndCase(t *testing.T) {
	c := NewDefault(nil)
	intent := c.Parse("  PLAY   JAZZ   music  ")

	assert.Equal(t, models.IntentPlayMusic, intent.Name)
}

func TestParseEveryIntentHasDispatchableUtterance(t *testing.T) {
	cases := []struct {
		text string
		want models.IntentName
	}{
		{"play some jazz", models.IntentPlayMusic},
		{"set volume to 40", models.IntentControlVolume},
		{"switch audio to headphones", models.IntentSwitchAudio},
		{"restart the system", models.IntentSystemControl},
		{"turn off the lights", models.IntentSmartHome},
		{"call alice", models.IntentCommunication},
		{"navigate to the office", models.IntentNavigation},
		{"set pin 12 to high", models.IntentGPIOControl},
	}
	c := NewDefault(nil)
	for _, tc := range cases {
		intent := c.Parse(tc.text)
		assert.Equal(t, tc.want, intent.Name, "text: %q", tc.text)
		assert.True(t, intent.Dispatchable(), "text %q should clear the confidence bar (got %.2f)", tc.text, intent.Confidence)
	}
}

func TestParseVolumeLevelInRange(t *testing.T) {
	c := NewDefault(nil)
	intent := c.Parse("set volume to 75")

	require.Equal(t, models.IntentControlVolume, intent.Name)
	assert.Equal(t, "75", intent.Parameters["level"])
	_, hasErrs := intent.Parameters[models.ParamErrorsKey]
	assert.False(t, hasErrs)
}

func TestParseGPIOPinBoundary(t *testing.T) {
	c := NewDefault(nil)

	intent := c.Parse("set pin 40 to high")
	require.Equal(t, models.IntentGPIOControl, intent.Name)
	_, hasErrs := intent.Parameters[models.ParamErrorsKey]
	assert.False(t, hasErrs, "pin 40 is in range")

	intent = c.Parse("set pin 41 to high")
	errs, ok := intent.Parameters[models.ParamErrorsKey]
	require.True(t, ok, "pin 41 is out of range")
	assert.Contains(t, errs, "pin: out of range")
}

func TestCapabilityTableCoversEveryDispatchableIntent(t *testing.T) {
	for _, name := range models.IntentOrder {
		if name == models.IntentUnknown {
			continue
		}
		_, ok := Capability(name)
		assert.True(t, ok, "missing capability mapping for %s", name)
	}
}
