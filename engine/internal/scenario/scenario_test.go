package scenario

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rightOfWayYAML = `
id: right_of_way
grid_cols: 1
grid_rows: 1
grid_spacing: 100
demo_intersection: x1
intersections:
  - id: x1
    center_x: 0
    center_y: 0
    controlled: false
agents:
  - id: a1
    x: -80
    y: 0
    heading: 90
    speed: 10
    intent: through
  - id: a2
    x: 0
    y: -80
    heading: 0
    speed: 10
    intent: through
  - id: a3
    x: 80
    y: 0
    heading: 270
    speed: 10
    intent: through
`

func writeScenarioFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDirInstallsScenarioByID(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "right_of_way.yaml", rightOfWayYAML)

	s := NewStore()
	require.NoError(t, s.LoadDir(dir))

	sc, ok := s.Get(RightOfWay)
	require.True(t, ok)
	assert.Len(t, sc.Agents, 3)
	assert.Equal(t, "x1", sc.DemoIntersection)
}

func TestIDsAreSorted(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "right_of_way.yaml", rightOfWayYAML)
	writeScenarioFile(t, dir, "drunk.yaml", "id: drunk_driver\n")

	s := NewStore()
	require.NoError(t, s.LoadDir(dir))
	assert.Equal(t, []string{"drunk_driver", "right_of_way"}, s.IDs())
}

func TestLoadDirMissingIDIsError(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "broken.yaml", "agents: []\n")

	s := NewStore()
	err := s.LoadDir(dir)
	assert.Error(t, err)
}

func TestWatcherPicksUpFileEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeScenarioFile(t, dir, "right_of_way.yaml", rightOfWayYAML)

	s := NewStore()
	require.NoError(t, s.LoadDir(dir))

	w, err := NewWatcher(dir, s)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs, err := w.Start(ctx)
	require.NoError(t, err)
	defer w.Stop()

	edited := rightOfWayYAML + "\n"
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	select {
	case err, ok := <-errs:
		if ok {
			t.Fatalf("unexpected reload error: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
	}

	sc, ok := s.Get(RightOfWay)
	require.True(t, ok)
	assert.Len(t, sc.Agents, 3)
}
