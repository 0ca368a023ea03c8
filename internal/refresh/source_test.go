package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/config"
	"fieldops/internal/model"
	"fieldops/internal/normalize"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{authority: model.SourceFire, fn: failing}
	b := NewBreakerSource(src, config.BreakerConfig{MaxFailures: 3, OpenTimeout: time.Minute})
	assert.Equal(t, model.SourceFire, b.Authority())

	for i := 0; i < 3; i++ {
		_, err := b.Fetch(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("x"))

	_, err := b.Fetch(context.Background(), "x")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestBreakerIsolatesIdentifiers(t *testing.T) {
	src := &fakeSource{authority: model.SourceHousing, fn: func(_ context.Context, id string) ([]normalize.RawRecord, error) {
		if id == "bad" {
			return nil, errors.New("404")
		}
		return []normalize.RawRecord{normalize.HousingRecord{ViolationID: "1"}}, nil
	}}
	b := NewBreakerSource(src, config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := b.Fetch(context.Background(), "bad")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("bad"))

	records, err := b.Fetch(context.Background(), "good")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, gobreaker.StateClosed, b.State("good"))

	_, err = b.Fetch(context.Background(), "bad")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	src := &fakeSource{authority: model.SourceFire, fn: func(ctx context.Context, _ string) ([]normalize.RawRecord, error) {
		return nil, context.Canceled
	}}
	b := NewBreakerSource(src, config.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		_, _ = b.Fetch(context.Background(), "x")
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("x"))
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory([]config.BuildingConfig{
		{Building: model.Building{ID: "b2"}},
		{
			Building: model.Building{ID: "b1", Name: "12 Elm St"},
			Identifiers: map[model.SourceAuthority]string{
				model.SourceHousing: "BIN-100",
				model.SourceFire:    "",
			},
		},
		{Building: model.Building{ID: "b2", Name: "dup"}},
	})
	assert.Equal(t, []string{"b1", "b2"}, dir.BuildingIDs())

	ids, ok := dir.Identifiers("b1")
	require.True(t, ok)
	assert.Equal(t, "BIN-100", ids[model.SourceHousing])
	assert.Equal(t, "b1", ids[model.SourceSanitation])
	_, hasFire := ids[model.SourceFire]
	assert.False(t, hasFire)

	b, ok := dir.Building("b2")
	require.True(t, ok)
	assert.Empty(t, b.Name)

	_, ok = dir.Identifiers("missing")
	assert.False(t, ok)
}
