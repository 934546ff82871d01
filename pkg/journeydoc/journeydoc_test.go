package journeydoc

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/trailhead/pkg/api"
)

func sampleJourney() api.Journey {
	return api.Journey{
		ID:          "onboarding",
		Name:        "Onboarding",
		Version:     3,
		Entry:       "welcome",
		Variants:    []api.Variant{{Name: "short", Weight: 1}, {Name: "long", Weight: 2}},
		PublishedAt: time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC),
		Steps: []api.Step{
			{ID: "welcome", Kind: api.StepMessage, Title: "Welcome", Content: map[string]string{"body": "Hi there", "cta": "Start"}, Next: "profile"},
			{ID: "profile", Kind: api.StepForm, Next: "route", Form: &api.FormSpec{Required: []string{"name", "role"}}},
			{ID: "route", Kind: api.StepBranch, Branch: &api.BranchSpec{
				Rules: []api.Rule{
					{When: []api.Predicate{{Field: "role", Op: api.OpEq, Value: "admin"}, {Field: "seats", Op: api.OpGte, Value: "10"}}, Target: "connect"},
					{When: []api.Predicate{{Field: "email", Op: api.OpMissing}}, Target: "verify"},
				},
				Fallback: "intro",
			}},
			{ID: "connect", Kind: api.StepTask, Next: "intro", Task: &api.TaskSpec{Criteria: "integration_connected"}},
			{ID: "verify", Kind: api.StepWait, Next: "intro", Wait: &api.WaitSpec{MinDuration: 90 * time.Minute, Event: "email_verified"}},
			{ID: "intro", Kind: api.StepVideo, Content: map[string]string{"url": "https://example.com/intro.mp4"}, Next: "tour"},
			{ID: "tour", Kind: api.StepTour},
		},
	}
}

func TestRoundTripIsLossless(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, format, sampleJourney()))

			got, err := Decode(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, sampleJourney(), got)
		})
	}
}

func TestDecodeHandWrittenYAML(t *testing.T) {
	src := `
id: trial
entry: hello
steps:
  - id: hello
    kind: message
    next: wait
  - id: wait
    kind: wait
    wait: {min_duration: 24h}
`
	j, err := Decode(strings.NewReader(src), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "trial", j.ID)
	require.Len(t, j.Steps, 2)
	assert.Equal(t, 24*time.Hour, j.Steps[1].Wait.MinDuration)
	assert.True(t, j.Steps[1].Terminal())
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(strings.NewReader("id: x\nentry: a\nstepz: []\n"), FormatYAML)
	assert.Error(t, err, "unknown field")

	_, err = Decode(strings.NewReader(`{"id":"x","entry":"a","steps":[{"id":"a","kind":"wait","wait":{"min_duration":"soon"}}]}`), FormatJSON)
	assert.ErrorContains(t, err, "min_duration")

	_, err = Decode(strings.NewReader(""), FormatJSON)
	assert.Error(t, err)
}

func TestSaveAndLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"journey.yaml", "journey.yml", "journey.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, sampleJourney()))

		got, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, sampleJourney(), got)
	}

	_, err := FormatFor("journey.toml")
	assert.Error(t, err)
}
