package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
	"sdlcflow/internal/store/filestore"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	return filestore.New(afero.NewMemMapFs(), "/data")
}

func TestFeatureRecord_Acquire(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		claims  map[string]store.Claim
		runID   string
		wantErr bool
	}{
		{
			name:  "free lease",
			runID: "run-b",
		},
		{
			name:    "held by another run",
			claims:  map[string]store.Claim{"analysis": {RunID: "run-a", ExpiresAt: now.Add(time.Minute)}},
			runID:   "run-b",
			wantErr: true,
		},
		{
			name:   "expired lease is taken over",
			claims: map[string]store.Claim{"analysis": {RunID: "run-a", ExpiresAt: now.Add(-time.Second)}},
			runID:  "run-b",
		},
		{
			name:   "same run re-acquires",
			claims: map[string]store.Claim{"analysis": {RunID: "run-b", ExpiresAt: now.Add(time.Minute)}},
			runID:  "run-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := store.NewFeatureRecord("42", "Add login", "")
			rec.Claims = tt.claims

			err := rec.Acquire("analysis", tt.runID, now, 10*time.Minute)

			if tt.wantErr {
				require.ErrorIs(t, err, store.ErrConflict)
				assert.Equal(t, "run-a", rec.Claims["analysis"].RunID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.runID, rec.Claims["analysis"].RunID)
			assert.Equal(t, now.Add(10*time.Minute), rec.Claims["analysis"].ExpiresAt)
		})
	}
}

func TestFeatureRecord_Release(t *testing.T) {
	now := time.Now()
	rec := store.NewFeatureRecord("42", "Add login", "")
	require.NoError(t, rec.Acquire("analysis", "run-a", now, time.Minute))

	rec.Release("analysis", "run-b")
	assert.Contains(t, rec.Claims, "analysis", "release by a non-holder is ignored")

	rec.Release("analysis", "run-a")
	assert.Nil(t, rec.Claims)
}

func TestFeatureRecord_Clone(t *testing.T) {
	rec := store.NewFeatureRecord("42", "Add login", "body")
	rec.StoryKeys = []string{"K-1"}
	rec.SetEffect("analysis/epic", "K-0")
	rec.SetDocPage(pipeline.StageAnalysis, "p1")
	rec.Story("K-1").Branch = "feature/K-1"

	c := rec.Clone()
	c.StoryKeys[0] = "K-9"
	c.SetEffect("analysis/epic", "changed")
	c.DocPageIDs["analysis"] = "p9"
	c.Story("K-1").Branch = "other"

	assert.Equal(t, "K-1", rec.StoryKeys[0])
	ref, _ := rec.Effect("analysis/epic")
	assert.Equal(t, "K-0", ref)
	assert.Equal(t, "p1", rec.DocPageIDs["analysis"])
	assert.Equal(t, "feature/K-1", rec.Stories["K-1"].Branch)
}

func TestFeatureRecord_Story(t *testing.T) {
	rec := store.NewFeatureRecord("42", "Add login", "")
	sp := rec.Story("K-1")
	assert.Equal(t, pipeline.StatePlanned, sp.State)

	sp.State = pipeline.StateTested
	assert.Equal(t, pipeline.StateTested, rec.Story("K-1").State)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "analysis", store.Key(pipeline.StageAnalysis, ""))
	assert.Equal(t, "code-review@7", store.Key(pipeline.StageCodeReview, "7"))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("applies mutation and bumps version", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateFeature(ctx, store.NewFeatureRecord("42", "Add login", "")))

		rec, err := store.Update(ctx, s, "42", func(r *store.FeatureRecord) error {
			r.State = pipeline.StateAnalyzed
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		got, err := s.GetFeature(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, pipeline.StateAnalyzed, got.State)
	})

	t.Run("mutation error aborts without write", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateFeature(ctx, store.NewFeatureRecord("42", "Add login", "")))

		_, err := store.Update(ctx, s, "42", func(r *store.FeatureRecord) error {
			return store.ErrConflict
		})

		require.ErrorIs(t, err, store.ErrConflict)
		got, err := s.GetFeature(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("missing feature", func(t *testing.T) {
		s := newStore(t)
		_, err := store.Update(ctx, s, "nope", func(r *store.FeatureRecord) error { return nil })
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent independent mutations all land", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateFeature(ctx, store.NewFeatureRecord("42", "Add login", "")))

		keys := []string{"K-1", "K-2", "K-3", "K-4"}
		var wg sync.WaitGroup
		for _, k := range keys {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				_, err := store.Update(ctx, s, "42", func(r *store.FeatureRecord) error {
					r.SetEffect("qa-test-gen@"+k+"/issue", k)
					return nil
				})
				assert.NoError(t, err)
			}(k)
		}
		wg.Wait()

		got, err := s.GetFeature(ctx, "42")
		require.NoError(t, err)
		assert.Len(t, got.Effects, len(keys))
	})
}

func TestListByState(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := store.NewFeatureRecord("a", "A", "")
	b := store.NewFeatureRecord("b", "B", "")
	b.State = pipeline.StateMerged
	require.NoError(t, s.CreateFeature(ctx, a))
	require.NoError(t, s.CreateFeature(ctx, b))

	all, err := store.ListByState(ctx, s)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	merged, err := store.ListByState(ctx, s, pipeline.StateMerged, pipeline.StateReported)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "b", merged[0].ID)
}

func TestFeatureRecord_ResetTo(t *testing.T) {
	tests := []struct {
		name      string
		to        pipeline.State
		wantState pipeline.State
		wantErr   string
	}{
		{name: "back to planned", to: pipeline.StatePlanned, wantState: pipeline.StatePlanned},
		{name: "same state", to: pipeline.StateReviewed, wantState: pipeline.StateReviewed},
		{name: "forward", to: pipeline.StateMerged, wantErr: "reset can only move back"},
		{name: "unknown", to: pipeline.State("shipped"), wantErr: "unknown pipeline state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := store.NewFeatureRecord("42", "Add login", "")
			rec.State = pipeline.StateReviewed
			rec.DeployStatus = "failed"
			rec.Stories = map[string]*store.StoryProgress{
				"K1": {State: pipeline.StateReviewed},
				"K2": {State: pipeline.StatePlanned},
			}
			rec.Effects = map[string]string{"analysis/epic": "E1"}

			err := rec.ResetTo(tt.to)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, pipeline.StateReviewed, rec.State)
				assert.Zero(t, rec.Generation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, rec.State)
			assert.Equal(t, 1, rec.Generation)
			assert.Equal(t, tt.wantState, rec.Stories["K1"].State)
			assert.Equal(t, pipeline.StatePlanned, rec.Stories["K2"].State)
			assert.Empty(t, rec.DeployStatus)
			assert.Equal(t, "E1", rec.Effects["analysis/epic"])
		})
	}
}
