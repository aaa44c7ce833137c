package fieldstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fields.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRoundTrip(t *testing.T) {
	s, _ := openTemp(t)

	require.NoError(t, s.Persist(FieldToken, "bearer-abc123"))

	got, err := s.Restore(FieldToken)
	require.NoError(t, err)
	assert.Equal(t, "bearer-abc123", got)
}

func TestRestoreMissingFieldIsEmpty(t *testing.T) {
	s, _ := openTemp(t)

	got, err := s.Restore(FieldMatchID)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestPersistOverwrites(t *testing.T) {
	s, _ := openTemp(t)

	require.NoError(t, s.Persist(FieldMatchID, "42"))
	require.NoError(t, s.Persist(FieldMatchID, "43"))

	got, err := s.Restore(FieldMatchID)
	require.NoError(t, err)
	assert.Equal(t, "43", got)
}

func TestFieldsAreIndependent(t *testing.T) {
	s, _ := openTemp(t)

	require.NoError(t, s.Persist(FieldTeamID, "3"))
	require.NoError(t, s.Persist(FieldCancelTeamID, "5"))

	team, err := s.Restore(FieldTeamID)
	require.NoError(t, err)
	cancel, err := s.Restore(FieldCancelTeamID)
	require.NoError(t, err)
	assert.Equal(t, "3", team)
	assert.Equal(t, "5", cancel)
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Persist(FieldEventType, "GOAL"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Restore(FieldEventType)
	require.NoError(t, err)
	assert.Equal(t, "GOAL", got)
}

func TestEmptyValueRoundTrips(t *testing.T) {
	s, _ := openTemp(t)

	require.NoError(t, s.Persist(FieldDescription, "header"))
	require.NoError(t, s.Persist(FieldDescription, ""))

	got, err := s.Restore(FieldDescription)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
